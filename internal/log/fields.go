// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldUser   = "user"
	FieldTaskID = "task_id"
	FieldSource = "source"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldMethod    = "method"
	FieldPool      = "pool"

	// Path fields
	FieldPath      = "path"
	FieldCachePath = "cache_path"
	FieldArrayPath = "array_path"

	// Size fields
	FieldBytes     = "bytes"
	FieldFreeBytes = "free_bytes"
	FieldUsedBytes = "used_bytes"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldScore     = "score"
)
