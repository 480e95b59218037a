// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layout

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayout_Paths(t *testing.T) {
	l := New("/data", "")

	assert.Equal(t, filepath.Join("/data", "content", "1", "2", "u"), l.AnalysisFile(1, 2, "u"))
	assert.Equal(t, filepath.Join("/data", "submission_groups", "7"), l.GroupFolder(7))
	assert.Equal(t, filepath.Join("/data", "submission_groups", "7", "u"), l.GroupFile(7, "u"))
	assert.Equal(t, filepath.Join("/data", "submission_groups", "7", "split"), l.SplitFolder(7))
	assert.Equal(t, filepath.Join("/data", "legacy", "2", "u"), l.LegacyFile(2, "u"))
	assert.Equal(t, filepath.Join("/data", "submissions", "9", "results_staging"), l.ResultStaging(9))
}

func TestResultFilesDir(t *testing.T) {
	assert.Equal(t, "/submissions/9/results", ResultFilesDir(9, ""))
	assert.Equal(t, "/submissions/9/results/plots", ResultFilesDir(9, "plots"))
	assert.Equal(t, "/submissions/9/results/etc", ResultFilesDir(9, "../../etc"))
}

func TestRelativeResultPath(t *testing.T) {
	assert.Equal(t, "plots/a.png", RelativeResultPath(9, "/submissions/9/results/plots/a.png"))
	assert.Equal(t, "other/b.txt", RelativeResultPath(9, "/other/b.txt"))
}
