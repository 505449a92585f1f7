package app

import (
	"context"
	"fmt"
	"io"

	"fxalert/internal/calendar"
	"fxalert/internal/config"
	"fxalert/internal/storage"
	logx "fxalert/pkg/logx"
)

// ImportFeed loads a JSON calendar export into the configured store without
// starting the bot. It returns the number of events written.
func ImportFeed(ctx context.Context, cfgPath string, r io.Reader, log logx.Logger) (int, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return 0, err
	}
	events, err := calendar.DecodeFeed(r)
	if err != nil {
		return 0, err
	}
	st, err := storage.Open(ctx, mapStorageConfig(cfg), log)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	if err := st.UpsertEvents(ctx, events); err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	return len(events), nil
}
