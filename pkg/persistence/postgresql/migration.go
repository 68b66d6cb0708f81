package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(64) PRIMARY KEY,
				org_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				version INT NOT NULL,
				status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'inactive')),
				graph JSONB NOT NULL,
				diagnostics JSONB NOT NULL DEFAULT '[]',
				created_at BIGINT NOT NULL,
				UNIQUE (org_id, name, version)
			);

			CREATE INDEX idx_flows_org_status ON flows(org_id, status);

			CREATE TABLE conversation_runs (
				id VARCHAR(64) PRIMARY KEY,
				conversation_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				wait_deadline BIGINT,
				version BIGINT NOT NULL,
				data JSONB NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			);

			CREATE INDEX idx_conversation_runs_conversation ON conversation_runs(conversation_id);
			CREATE INDEX idx_conversation_runs_due ON conversation_runs(wait_deadline) WHERE wait_deadline IS NOT NULL;

			CREATE TABLE conversation_heads (
				conversation_id VARCHAR(255) PRIMARY KEY,
				run_id VARCHAR(64) NOT NULL REFERENCES conversation_runs(id)
			);
		`,
		2: `
			CREATE TABLE processed_messages (
				conversation_id VARCHAR(255) NOT NULL,
				message_id VARCHAR(255) NOT NULL,
				expires_at BIGINT NOT NULL,
				PRIMARY KEY (conversation_id, message_id)
			);

			CREATE INDEX idx_processed_messages_expires_at ON processed_messages(expires_at);

			CREATE TABLE dead_letters (
				id VARCHAR(64) PRIMARY KEY,
				status VARCHAR(16) NOT NULL,
				data JSONB NOT NULL,
				created_at BIGINT NOT NULL
			);

			CREATE INDEX idx_dead_letters_status ON dead_letters(status, created_at);
		`,
	}
}
