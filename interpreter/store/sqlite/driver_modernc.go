package sqlite

import (
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// Connection pragmas. The group membership table relies on foreign
// keys, so both variants enable them.
var (
	filePragmas   = []string{"journal_mode(WAL)", "foreign_keys(1)", "busy_timeout(5000)"}
	memoryPragmas = []string{"foreign_keys(1)"}
)

// dsn appends each pragma to path as a _pragma query parameter.
func dsn(path string, pragmas []string) string {
	if len(pragmas) == 0 {
		return path
	}
	return path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}
