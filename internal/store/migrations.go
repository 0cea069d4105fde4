package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create conversations, messages and events",
		SQL: `
			CREATE TABLE conversations (
				id                            TEXT PRIMARY KEY,
				customer_id                   TEXT NOT NULL,
				customer_name                 TEXT NOT NULL DEFAULT '',
				customer_email                TEXT NOT NULL DEFAULT '',
				customer_metadata             TEXT NOT NULL DEFAULT '{}',
				mode                          TEXT NOT NULL DEFAULT 'AI_ACTIVE',
				slack_channel_id              TEXT NOT NULL DEFAULT '',
				slack_thread_ts               TEXT NOT NULL DEFAULT '',
				last_customer_msg_id_handled  INTEGER NOT NULL DEFAULT 0,
				created_at                    TEXT NOT NULL,
				updated_at                    TEXT NOT NULL
			);

			CREATE INDEX idx_conversations_customer ON conversations (customer_id, mode);
			CREATE INDEX idx_conversations_thread ON conversations (slack_channel_id, slack_thread_ts);

			CREATE TABLE messages (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id    TEXT NOT NULL REFERENCES conversations(id),
				content            TEXT NOT NULL,
				sender_type        TEXT NOT NULL,
				source             TEXT NOT NULL DEFAULT 'widget',
				slack_message_ts   TEXT NOT NULL DEFAULT '',
				external_event_id  TEXT,
				agent_name         TEXT NOT NULL DEFAULT '',
				created_at         TEXT NOT NULL
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation_id, id);
			CREATE UNIQUE INDEX idx_messages_external_event ON messages (external_event_id);

			CREATE TABLE conversation_events (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id  TEXT NOT NULL REFERENCES conversations(id),
				event_type       TEXT NOT NULL,
				actor            TEXT NOT NULL,
				metadata         TEXT NOT NULL DEFAULT '{}',
				created_at       TEXT NOT NULL
			);

			CREATE INDEX idx_events_conversation ON conversation_events (conversation_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "create quote answers",
		SQL: `
			CREATE TABLE quote_answers (
				conversation_id  TEXT NOT NULL REFERENCES conversations(id),
				field            TEXT NOT NULL,
				value            TEXT NOT NULL,
				answered_at      TEXT NOT NULL,
				PRIMARY KEY (conversation_id, field)
			);
		`,
	},
}
