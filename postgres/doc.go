// Package postgres provides a PostgreSQL-backed allocation store for ALB
// listener rule priorities, an alternative to the DynamoDB store for
// environments that already run Postgres.
//
// It uses pgx v5 with connection pooling (pgxpool).
//
// # Usage
//
// Create a client using [New] with functional options, call [Client.Connect]
// to establish the connection pool, and then [Client.Init] to create the
// database schema:
//
//	client := postgres.New(
//	    postgres.WithHost("localhost"),
//	    postgres.WithPort(5432),
//	    postgres.WithUser("postgres"),
//	    postgres.WithPassword("secret"),
//	    postgres.WithDatabase("platform"),
//	)
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	if err := client.Init(ctx, false); err != nil {
//	    log.Fatal(err)
//	}
//
// # Database Table
//
// One table (default [DefaultTable], configurable with [WithTable]) holds a
// row per allocated priority. Its primary key is (listener_id, priority), so
// [Client.TryInsert] uses INSERT ... ON CONFLICT DO NOTHING as the
// conditional insert: exactly one concurrent writer affects a row. An index
// on (service_id, listener_id) serves [Client.FindByService].
//
// # Connection Pool
//
// The underlying pgxpool can be tuned with [WithPoolMaxConnections],
// [WithPoolMinConnections], [WithPoolMaxConnectionLifetime] and
// [WithPoolMaxConnectionIdleTime]. Unset options keep the pgxpool defaults.
//
// # Schema Validation
//
// When [Client.Init] is called with skipSchemaValidation set to false, it
// queries information_schema.columns and verifies that every expected column
// exists with the correct data type and nullability. Pass true to skip this
// check in environments where the schema is managed externally.
//
// # SSL
//
// SSL behaviour is controlled by [WithSSLMode] using the [SSLMode] constants
// ([SSLModeDisable], [SSLModeAllow], [SSLModePrefer], [SSLModeRequire],
// [SSLModeVerifyCA], [SSLModeVerifyFull]). The default is [SSLModePrefer].
package postgres
