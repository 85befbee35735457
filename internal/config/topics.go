package config

const (
	// TopicMigrationFailure receives one event per filename group that could not be written.
	TopicMigrationFailure = "migration.failure"

	// TopicMigrationComplete receives the final report of every run.
	TopicMigrationComplete = "migration.complete"
)
