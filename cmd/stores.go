package cmd

import (
	"github.com/uptrace/bun"

	"ms-checkin/internal/config"
	"ms-checkin/internal/printjob/blob"
	printjobdb "ms-checkin/internal/printjob/db"
	ticketsdb "ms-checkin/internal/tickets/db"
)

func ticketStore(db *bun.DB) *ticketsdb.DB {
	return &ticketsdb.DB{Bun: db}
}

func jobStore(db *bun.DB) *printjobdb.DB {
	return &printjobdb.DB{Bun: db}
}

func blobStore(cfg *config.Config) blob.Store {
	return blob.NewFSStore(cfg.Blob.Dir)
}
