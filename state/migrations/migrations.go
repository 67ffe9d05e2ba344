package migrations

import _ "embed"

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed 0001_runners.sql
var runners string

//go:embed 0002_installations.sql
var installations string

// All lists migrations in application order.
var All = []Migration{
	{ID: "0001_runners", Script: runners},
	{ID: "0002_installations", Script: installations},
}
