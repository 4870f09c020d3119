package main

import (
	"github.com/toxicbuild/master/cmd/toxicmaster/commands"
	_ "github.com/toxicbuild/master/cmd/toxicmaster/commands/dump"
	_ "github.com/toxicbuild/master/cmd/toxicmaster/commands/migrate"
	_ "github.com/toxicbuild/master/cmd/toxicmaster/commands/start"
)

func main() {
	commands.Execute()
}
