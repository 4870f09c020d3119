package migrations

// DialectTemplate is used as the templating control for differing SQL syntax between our supported databases
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
}

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and Down SQL.
// Templated values are supported and will be substituted for database-specific values
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// MasterMigrations is the set of migrations to set up the database for the master controller.
var MasterMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_repos",
		UpSQL: `CREATE TABLE IF NOT EXISTS repos
				(
					repo_id text NOT NULL PRIMARY KEY,
					repo_name text NOT NULL,
					repo_url text NOT NULL,
					repo_vcs_type text NOT NULL,
					repo_parallel_builds integer NOT NULL DEFAULT 0,
					repo_envvars text NOT NULL DEFAULT '{}',
					repo_secret_owner_ids text NOT NULL DEFAULT '[]',
					repo_slave_ids text NOT NULL DEFAULT '[]',
					repo_branch_policies text NOT NULL DEFAULT '{}',
					repo_latest_buildset_id text NOT NULL DEFAULT '',
					repo_running_builds integer NOT NULL DEFAULT 0,
					repo_config_type text NOT NULL DEFAULT '',
					repo_config_filename text NOT NULL DEFAULT '',
					repo_created_at timestamp NOT NULL,
					repo_updated_at timestamp NOT NULL,
					repo_etag text NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS repos_name_unique_index ON repos(repo_name);`,
		DownSQL: `DROP INDEX repos_name_unique_index;
				  DROP TABLE repos;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_slaves",
		UpSQL: `CREATE TABLE IF NOT EXISTS slaves
				(
					slave_id text NOT NULL PRIMARY KEY,
					slave_name text NOT NULL,
					slave_host text NOT NULL,
					slave_port integer NOT NULL,
					slave_token text NOT NULL DEFAULT '',
					slave_on_demand boolean NOT NULL DEFAULT false,
					slave_instance_type text NOT NULL DEFAULT '',
					slave_instance_confs text NOT NULL DEFAULT '{}',
					slave_queue_count integer NOT NULL DEFAULT 0,
					slave_running_count integer NOT NULL DEFAULT 0,
					slave_enqueued_builds text NOT NULL DEFAULT '[]',
					slave_running_repos text NOT NULL DEFAULT '[]',
					slave_created_at timestamp NOT NULL,
					slave_updated_at timestamp NOT NULL,
					slave_etag text NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS slaves_name_unique_index ON slaves(slave_name);`,
		DownSQL: `DROP INDEX slaves_name_unique_index;
				  DROP TABLE slaves;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_builders",
		UpSQL: `CREATE TABLE IF NOT EXISTS builders
				(
					builder_id text NOT NULL PRIMARY KEY,
					builder_repo_id text NOT NULL REFERENCES repos (repo_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					builder_name text NOT NULL,
					builder_position integer NOT NULL DEFAULT 10000,
					builder_created_at timestamp NOT NULL,
					builder_updated_at timestamp NOT NULL,
					builder_etag text NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS builders_repo_name_unique_index ON builders(builder_repo_id, builder_name);`,
		DownSQL: `DROP INDEX builders_repo_name_unique_index;
				  DROP TABLE builders;`,
	},
	{
		SequenceNumber: 4,
		Name:           "create_buildsets",
		UpSQL: `CREATE TABLE IF NOT EXISTS buildsets
				(
					buildset_id text NOT NULL PRIMARY KEY,
					buildset_repo_id text NOT NULL REFERENCES repos (repo_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					buildset_number integer NOT NULL,
					buildset_commit text NOT NULL,
					buildset_commit_date timestamp NOT NULL,
					buildset_commit_body text NOT NULL DEFAULT '',
					buildset_branch text NOT NULL,
					buildset_author text NOT NULL DEFAULT '',
					buildset_title text NOT NULL DEFAULT '',
					buildset_status text NOT NULL,
					buildset_created_at timestamp NOT NULL,
					buildset_started_at timestamp,
					buildset_finished_at timestamp,
					buildset_total_time integer,
					buildset_updated_at timestamp NOT NULL,
					buildset_etag text NOT NULL
				);
				CREATE INDEX IF NOT EXISTS buildsets_repo_number_index ON buildsets(buildset_repo_id, buildset_number);
				CREATE INDEX IF NOT EXISTS buildsets_repo_branch_index ON buildsets(buildset_repo_id, buildset_branch);`,
		DownSQL: `DROP INDEX buildsets_repo_number_index;
				  DROP INDEX buildsets_repo_branch_index;
				  DROP TABLE buildsets;`,
	},
	{
		SequenceNumber: 5,
		Name:           "create_builds",
		UpSQL: `CREATE TABLE IF NOT EXISTS builds
				(
					build_id text NOT NULL PRIMARY KEY,
					build_buildset_id text NOT NULL REFERENCES buildsets (buildset_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					build_repo_id text NOT NULL REFERENCES repos (repo_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					build_slave_id text NOT NULL DEFAULT '',
					build_branch text NOT NULL,
					build_named_tree text NOT NULL,
					build_builder_id text NOT NULL REFERENCES builders (builder_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					build_builder_name text NOT NULL,
					build_status text NOT NULL,
					build_steps text NOT NULL DEFAULT '[]',
					build_started_at timestamp,
					build_finished_at timestamp,
					build_total_time integer,
					build_builders_from text NOT NULL DEFAULT '',
					build_number integer NOT NULL,
					build_triggered_by text NOT NULL DEFAULT '[]',
					build_external text NOT NULL DEFAULT '',
					build_created_at timestamp NOT NULL,
					build_updated_at timestamp NOT NULL,
					build_etag text NOT NULL
				);
				CREATE INDEX IF NOT EXISTS builds_buildset_index ON builds(build_buildset_id);
				CREATE INDEX IF NOT EXISTS builds_repo_number_index ON builds(build_repo_id, build_number);
				CREATE INDEX IF NOT EXISTS builds_slave_status_index ON builds(build_slave_id, build_status);`,
		DownSQL: `DROP INDEX builds_buildset_index;
				  DROP INDEX builds_repo_number_index;
				  DROP INDEX builds_slave_status_index;
				  DROP TABLE builds;`,
	},
}
