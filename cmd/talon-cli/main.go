package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Jaaco/talon/internal/adapters/httpremote"
	"github.com/Jaaco/talon/internal/replicator"
	"github.com/Jaaco/talon/internal/store"
)

func main() {
	if len(os.Args) < 6 {
		fmt.Println("Usage:")
		fmt.Println("	talon-cli <address> <user_id> <client_id> set <table> <row> <column> <value>")
		fmt.Println("	talon-cli <address> <user_id> <client_id> get <table> <row> <column>")
		os.Exit(1)
	}

	addr := os.Args[1]
	userID := os.Args[2]
	clientID := os.Args[3]
	cmd := os.Args[4]

	logger := zap.NewNop()
	local := store.NewMemory(nil)
	remote := httpremote.NewClient(addr, logger)
	repl := replicator.New(userID, clientID, local, remote, replicator.NewUUIDGenerator(), replicator.ImmediateConfig(), logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch cmd {
	case "set":
		if len(os.Args) < 9 {
			fmt.Println("Usage: talon-cli <address> <user_id> <client_id> set <table> <row> <column> <value>")
			os.Exit(1)
		}
		table, row, column, value := os.Args[5], os.Args[6], os.Args[7], os.Args[8]

		if err := repl.SaveChange(ctx, replicator.Change{Table: table, Row: row, Column: column, Value: value}); err != nil {
			fmt.Fprintf(os.Stderr, "set failed: %v\n", err)
			os.Exit(1)
		}
		if err := repl.ForcePush(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "push failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("set ok")

	case "get":
		if len(os.Args) < 8 {
			fmt.Println("Usage: talon-cli <address> <user_id> <client_id> get <table> <row> <column>")
			os.Exit(1)
		}
		table, row, column := os.Args[5], os.Args[6], os.Args[7]

		if err := repl.Pull(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "pull failed: %v\n", err)
			os.Exit(1)
		}
		dataType, value, ok := local.View(table, row, column)
		if !ok {
			fmt.Println("cell not found")
			os.Exit(1)
		}
		fmt.Printf("data_type: %s\n", dataType)
		fmt.Printf("value: %s\n", value)

	default:
		fmt.Printf("unknown command: %s\n", cmd)
		fmt.Println("valid commands: set, get")
		os.Exit(1)
	}

	_ = repl.Dispose(ctx)
}
