package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/chatwatch/chatwatch/internal/daemon"
	"github.com/chatwatch/chatwatch/internal/datadir"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides CHATWATCH_DATA_DIR and ~/.chatwatch)")
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = datadir.Base()
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dataDir, Addr: *addrFlag}),
	)

	app.Run()
}
