package sqlite

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				name TEXT NOT NULL,
				version INTEGER NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('active', 'inactive')),
				graph TEXT NOT NULL,
				diagnostics TEXT NOT NULL DEFAULT '[]',
				created_at INTEGER NOT NULL,
				UNIQUE (org_id, name, version)
			);

			CREATE INDEX idx_flows_org_status ON flows(org_id, status);

			CREATE TABLE conversation_runs (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				status TEXT NOT NULL,
				wait_deadline INTEGER,
				version INTEGER NOT NULL,
				data TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);

			CREATE INDEX idx_conversation_runs_conversation ON conversation_runs(conversation_id);
			CREATE INDEX idx_conversation_runs_due ON conversation_runs(wait_deadline) WHERE wait_deadline IS NOT NULL;

			CREATE TABLE conversation_heads (
				conversation_id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES conversation_runs(id)
			);
		`,
		2: `
			CREATE TABLE processed_messages (
				conversation_id TEXT NOT NULL,
				message_id TEXT NOT NULL,
				expires_at INTEGER NOT NULL,
				PRIMARY KEY (conversation_id, message_id)
			);

			CREATE INDEX idx_processed_messages_expires_at ON processed_messages(expires_at);

			CREATE TABLE dead_letters (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				data TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);

			CREATE INDEX idx_dead_letters_status ON dead_letters(status, created_at);
		`,
	}
}
