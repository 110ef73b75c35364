package logger

import "go.uber.org/zap"

// Session returns a structured field identifying a session for all
// session-scoped log lines.
func Session(sessionID string) zap.Field {
	return zap.String("session_id", sessionID)
}

// Batch returns a structured field identifying a batch index within a
// session.
func Batch(batchIndex int32) zap.Field {
	return zap.Int32("batch_index", batchIndex)
}

// Stage returns a structured field naming the current UQ stage.
func Stage(stage string) zap.Field {
	return zap.String("stage", stage)
}

// KV builds a flat key/value slice for the Sugared logger's *w methods from
// a session id and batch index, the pair almost every worker log line carries.
func KV(sessionID string, batchIndex int32, rest ...interface{}) []interface{} {
	kv := make([]interface{}, 0, 4+len(rest))
	kv = append(kv, "session_id", sessionID, "batch_index", batchIndex)
	return append(kv, rest...)
}
