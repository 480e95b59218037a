// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/handlers"
	"github.com/AleutianAI/SubmissionPortal/services/submissions/middleware"
)

// APIPrefix is the root of the analysis management endpoints.
const APIPrefix = "/api/v1/analysis-management"

// Deps are the services behind the routes.
type Deps struct {
	Submissions handlers.SubmissionService
	Results     handlers.ResultService
	Archives    handlers.ArchiveService
	Sockets     handlers.SocketServer
	Auth        middleware.AuthProvider

	// CallbackLimiter throttles the worker endpoints. Nil disables it.
	CallbackLimiter *middleware.RateLimiter

	// Gatherer backs /metrics. Nil skips the endpoint.
	Gatherer prometheus.Gatherer

	Logger *logging.Logger
}

func SetupRoutes(router *gin.Engine, d Deps) {
	logger := logging.OrDefault(d.Logger).With("component", "http")

	router.GET("/health", handlers.HealthCheck)
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group(APIPrefix)

	// Worker endpoints authenticate with the update password.
	worker := api.Group("")
	if d.CallbackLimiter != nil {
		worker.Use(d.CallbackLimiter.Middleware())
	}
	{
		worker.POST("/submissions/:submissionId/status/:password", handlers.ReportStatus(d.Submissions, logger))
		worker.POST("/submissions/:submissionId/results/:password", handlers.UploadWorkerResult(d.Results, logger))
		worker.GET("/submissions/:submissionId/files", handlers.GetSubmissionFileChunk(d.Archives, logger))
	}

	// Published results are public; everything else there needs an owner.
	public := api.Group("", middleware.OptionalAuth(d.Auth))
	{
		public.GET("/submissions/:submissionId/results", handlers.GetResultFiles(d.Results, logger))
		public.GET("/submissions/:submissionId/results/all", handlers.DownloadAllResults(d.Results, logger))
		public.GET("/submissions/:submissionId/results/:fileUuid", handlers.GetResultFile(d.Results, logger))
		public.GET("/submissions/:submissionId/results/:fileUuid/download", handlers.DownloadResultFile(d.Results, logger))
	}

	authed := api.Group("", middleware.AuthMiddleware(d.Auth))
	{
		authed.GET("/ws", handlers.HandleNotifications(d.Sockets, logger))
		authed.POST("/:analysisId/submissions", handlers.SubmitAnalysis(d.Submissions, logger))

		authed.GET("/submissions/:submissionId", handlers.GetSubmission(d.Submissions, logger))
		authed.GET("/submissions/:submissionId/status-history", handlers.GetStatusHistory(d.Submissions, logger))
		authed.POST("/submissions/:submissionId/approve", handlers.ApproveSubmission(d.Submissions, logger))
		authed.POST("/submissions/:submissionId/approveresult", handlers.ApproveSubmissionResult(d.Submissions, logger))

		authed.POST("/submissions/result/manualupload", handlers.UploadResult(d.Results, logger))
		authed.DELETE("/submissions/:submissionId/result/:fileUuid", handlers.DeleteResultFile(d.Submissions, d.Results, logger))
		authed.DELETE("/submissions/:submissionId/result/byid/:fileId", handlers.DeleteResultFileByID(d.Submissions, d.Results, logger))

		authed.GET("/submissions/:submissionId/files/:fileUuid", handlers.GetSubmissionFile(d.Submissions, logger))
		authed.GET("/submissions/:submissionId/files/:fileUuid/download", handlers.DownloadSubmissionFile(d.Submissions, d.Archives, logger))

		groups := authed.Group("/submission-groups/:groupId")
		{
			groups.GET("/files", handlers.GetSubmissionGroupFiles(d.Submissions, logger))
			groups.GET("/files/all", handlers.DownloadAllGroupFiles(d.Submissions, d.Archives, logger))
			groups.GET("/files/:fileUuid", handlers.GetSubmissionGroupFile(d.Submissions, logger))
			groups.GET("/files/:fileUuid/download", handlers.DownloadSubmissionGroupFile(d.Submissions, d.Archives, logger))
		}

		admin := authed.Group("", middleware.RequireRole(middleware.RoleAdmin))
		{
			admin.PUT("/submissions/:submissionId", handlers.UpdateSubmission(d.Submissions, logger))
		}
	}
}
