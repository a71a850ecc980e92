package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/errs"
	"github.com/masa-finance/timeline-harvester/internal/jobserver"
	"github.com/masa-finance/timeline-harvester/internal/ledger"
	"github.com/masa-finance/timeline-harvester/internal/targets"
)

// addTargets classifies the posted seeds and queues the resulting work items
// on the fast queue.
//
// Every seed is classified before anything is queued, so a request with one
// invalid seed queues nothing and answers 400. Work items whose url is
// already known are returned in Items but left out of Added.
func addTargets(classifier *targets.Classifier, jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		if classifier == nil || jobServer == nil {
			return c.JSON(http.StatusServiceUnavailable, types.APIError{Error: "harvester is not running"})
		}

		req := types.TargetsRequest{}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: err.Error()})
		}
		if len(req.Seeds) == 0 {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "no seeds given"})
		}
		if req.Label != "" && !req.Label.Valid() {
			return c.JSON(http.StatusBadRequest, types.APIError{Error: "unknown label " + string(req.Label)})
		}

		var items []types.WorkItem
		for _, seed := range req.Seeds {
			var (
				classified []types.WorkItem
				err        error
			)
			if req.Label != "" {
				classified, err = classifier.ClassifyAs(req.Label, seed)
			} else {
				classified, err = classifier.Classify(seed)
			}
			if err != nil {
				return c.JSON(http.StatusBadRequest, types.APIError{Error: err.Error()})
			}
			items = append(items, classified...)
		}

		added, err := jobServer.Enqueue(items...)
		if err != nil {
			logrus.WithError(err).Warn("Could not queue every posted target")
			status := http.StatusInternalServerError
			if errors.Is(err, errs.ErrValidation) {
				status = http.StatusBadRequest
			}
			return c.JSON(status, types.APIError{Error: err.Error()})
		}
		if added == nil {
			added = []string{}
		}

		return c.JSON(http.StatusOK, types.TargetsResponse{Items: items, Added: added})
	}
}

// itemStatus returns what the job server knows about a work item, or 404.
func itemStatus(jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		if jobServer == nil {
			return c.JSON(http.StatusServiceUnavailable, types.APIError{Error: "harvester is not running"})
		}
		status, ok := jobServer.GetItemStatus(c.Param("id"))
		if !ok {
			return c.JSON(http.StatusNotFound, types.APIError{Error: "Work item not found"})
		}
		return c.JSON(http.StatusOK, status)
	}
}

func checkpoint(checkpointer *ledger.Checkpointer) func(c echo.Context) error {
	return func(c echo.Context) error {
		if checkpointer == nil {
			return c.JSON(http.StatusServiceUnavailable, types.APIError{Error: "no ledger store configured"})
		}
		if err := checkpointer.Checkpoint(c.Request().Context()); err != nil {
			return c.JSON(http.StatusInternalServerError, types.APIError{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, types.CheckpointResponse{Status: "saved"})
	}
}

func harvestStats(jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		if jobServer == nil {
			return c.JSON(http.StatusServiceUnavailable, types.APIError{Error: "harvester is not running"})
		}
		dat, err := jobServer.Stats().Json()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, types.APIError{Error: err.Error()})
		}
		return c.JSONBlob(http.StatusOK, dat)
	}
}

// queueStats returns the current depth and throughput of both queues.
//
// GET /queue/stats
//
//	{
//	  "fast_queue_depth": 10,      // seeds waiting
//	  "slow_queue_depth": 45,      // discovered items and retries waiting
//	  "fast_processed": 1234,
//	  "slow_processed": 5678,
//	  "pending": 55,               // queued or running
//	  "last_update": "2024-01-15T10:30:00Z"  // or null
//	}
func queueStats(jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		if jobServer == nil {
			return c.JSON(http.StatusServiceUnavailable, types.APIError{Error: "harvester is not running"})
		}
		stats := jobServer.GetQueueStats()

		var lastUpdate any
		if !stats.LastUpdateTime.IsZero() {
			lastUpdate = stats.LastUpdateTime.Format(time.RFC3339)
		}

		return c.JSON(http.StatusOK, map[string]any{
			"fast_queue_depth": stats.FastQueueDepth,
			"slow_queue_depth": stats.SlowQueueDepth,
			"fast_processed":   stats.FastProcessed,
			"slow_processed":   stats.SlowProcessed,
			"pending":          jobServer.Pending(),
			"last_update":      lastUpdate,
		})
	}
}
