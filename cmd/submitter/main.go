package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/services"
)

var (
	submitterInstance *services.SubmitterFunction
	once              sync.Once
	initErr           error
)

func init() {
	// JSON logs so Cloud Logging picks up level and attributes.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleSubmit", handleSubmit)
}

// main is required by the Go Functions Framework.
func main() {}

// handleSubmit runs one submission pass and answers with its report.
func handleSubmit(w http.ResponseWriter, r *http.Request) {
	// Clients are built on the first request and reused while the instance is warm.
	once.Do(func() {
		submitterInstance, initErr = services.NewSubmitter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.SubmitRequest
	// Scheduler triggers may post an empty body; that means a default run.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Error("Could not decode request body", "error", err)
			http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
			return
		}
	}

	res, err := submitterInstance.Process(r.Context(), &req)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		// Aborted and locked-out runs still carry their report.
		w.WriteHeader(http.StatusInternalServerError)
	}
	if res != nil {
		if err := json.NewEncoder(w).Encode(res); err != nil {
			slog.Error("Could not encode response", "error", err)
		}
	}
}
