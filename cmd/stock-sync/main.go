package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	stdlog "log"
	"os"

	"github.com/cesigoodfood/api-catalogue/internal/app"
)

func main() {
	restaurantID := flag.Int64("restaurant-id", 0, "restaurant whose Stock listing is imported")
	flag.Parse()

	if err := run(*restaurantID); err != nil {
		stdlog.Fatalf("Stock sync failed: %v", err)
	}
}

func run(restaurantID int64) error {
	if restaurantID <= 0 {
		return errors.New("--restaurant-id is required")
	}

	ctx := context.Background()

	application, err := app.NewApplication(ctx, "stock-sync")
	if err != nil {
		return err
	}
	defer application.Shutdown()

	report, err := application.RunSync(restaurantID)
	if encodeErr := json.NewEncoder(os.Stdout).Encode(report); encodeErr != nil {
		return errors.Join(err, encodeErr)
	}
	return err
}
