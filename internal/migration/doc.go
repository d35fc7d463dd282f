/*
Package migration manages the versioned archive schema with golang-migrate.

Migration SQL is embedded per dialect (postgres, mysql, sqlite) and applied
through a Migrator, so operators can run schema changes explicitly instead
of relying on auto-migration at startup. The CLI type wraps a Migrator with
formatted terminal output for the migrate subcommand.
*/
package migration
