// Command matchq-script serves the declarative YAML migrations found in
// the migrations directory. matchqd spawns it and speaks the line protocol
// over its stdin and stdout.
package main

import (
	"github.com/lherron/matchq/pkg/scriptkit"
)

func main() {
	reg := scriptkit.NewRegistry()
	reg.AddLoader(scriptkit.DeclarativeLoader)
	scriptkit.Main(reg)
}
