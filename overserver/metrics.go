// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

// Server-side stage names reported through overline.StageMetricsRecorder.
const (
	MetricsOpApply = "apply"

	MetricsStageValidate = "validate"
	MetricsStageStore    = "store"
)
