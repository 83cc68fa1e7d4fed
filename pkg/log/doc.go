/*
Package log provides structured logging for the storage core using zerolog.

Init configures the global Logger from a Config (level, JSON vs console
writer, output destination). WithComponent, WithItemID, and WithSessionID
derive child loggers carrying correlation fields, since this domain's
correlation keys are item ids and session ids rather than cluster node or
task ids:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	sessionLog := log.WithSessionID(session.ID)
	sessionLog.Info().Str("item_id", id.String()).Msg("state persisted")
*/
package log
