package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/uptrace/bun"
	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/proxy"
)

type statusCount struct {
	Value string `bun:"value"`
	Count int    `bun:"count"`
}

// printReport dumps articulum, queue and proxy counters for the operator.
func printReport(ctx context.Context, connection bun.IDB) error {
	header := color.New(color.FgCyan, color.Bold)
	warn := color.New(color.FgYellow)
	bad := color.New(color.FgRed)

	header.Println("Articulums by state")
	var states []statusCount
	err := connection.NewSelect().
		Model((*db.ArticulumModel)(nil)).
		ColumnExpr("state AS value, COUNT(*) AS count").
		Group("state").
		Order("state").
		Scan(ctx, &states)
	if err != nil {
		return err
	}
	for _, row := range states {
		line := fmt.Sprintf("  %-24s %d", row.Value, row.Count)
		if row.Value == string(db.StateRejectedByMinCount) {
			warn.Println(line)
			continue
		}
		fmt.Println(line)
	}

	for _, table := range []struct {
		title string
		model interface{}
	}{
		{"Catalog tasks", (*db.CatalogTaskModel)(nil)},
		{"Object tasks", (*db.ObjectTaskModel)(nil)},
	} {
		header.Println(table.title)
		var statuses []statusCount
		err = connection.NewSelect().
			Model(table.model).
			ColumnExpr("status AS value, COUNT(*) AS count").
			Group("status").
			Order("status").
			Scan(ctx, &statuses)
		if err != nil {
			return err
		}
		for _, row := range statuses {
			line := fmt.Sprintf("  %-24s %d", row.Value, row.Count)
			if row.Value == string(db.TaskFailed) {
				bad.Println(line)
				continue
			}
			fmt.Println(line)
		}
	}

	header.Println("Proxies")
	stats, err := proxy.NewPool(connection, 0).GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  %-24s %d\n", "total", stats.Total)
	fmt.Printf("  %-24s %d\n", "available", stats.Available)
	fmt.Printf("  %-24s %d\n", "in use", stats.InUse)
	if stats.Blocked > 0 {
		bad.Printf("  %-24s %d\n", "blocked", stats.Blocked)
	} else {
		fmt.Printf("  %-24s %d\n", "blocked", stats.Blocked)
	}

	return nil
}
