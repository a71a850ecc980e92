package stats

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/internal/config"
	"github.com/masa-finance/timeline-harvester/internal/metrics"
	"github.com/masa-finance/timeline-harvester/internal/versioning"
)

// These are the types of statistics that we can add. The value is the JSON key that will be used for serialization.
type StatType string

const (
	ItemsQueued        StatType = "items_queued"
	ItemsCompleted     StatType = "items_completed"
	ItemsFailed        StatType = "items_failed"
	ItemsRetried       StatType = "items_retried"
	ItemsInvalid       StatType = "items_invalid"
	ResponsesSeen      StatType = "responses_seen"
	ResponseErrors     StatType = "response_errors"
	FragmentsSkipped   StatType = "fragments_skipped"
	TweetsEmitted      StatType = "tweets_emitted"
	TweetsDuplicate    StatType = "tweets_duplicate"
	TweetsOutOfWindow  StatType = "tweets_out_of_window"
	ScriptErrors       StatType = "script_errors"
	CheckpointsWritten StatType = "checkpoints_written"
	CheckpointErrors   StatType = "checkpoint_errors"
)

// AddStat is the struct used in the rest of the harvester for sending statistics
type AddStat struct {
	Type  StatType
	Label string
	Num   uint
}

// Stats is the structure we use to store the statistics, keyed by work item label
type Stats struct {
	BootTimeUnix       int64                        `json:"boot_time"`
	LastOperationUnix  int64                        `json:"last_operation_time"`
	CurrentTimeUnix    int64                        `json:"current_time"`
	RunID              string                       `json:"run_id"`
	Stats              map[string]map[StatType]uint `json:"stats"`
	ApplicationVersion string                       `json:"application_version"`
	sync.Mutex
}

// StatsCollector is the object used to collect statistics
type StatsCollector struct {
	Stats            *Stats
	Chan             chan AddStat
	jobConfiguration config.JobConfiguration
}

// StartCollector starts a goroutine that listens to a channel for AddStat messages and updates the stats accordingly.
func StartCollector(bufSize uint, jc config.JobConfiguration) *StatsCollector {
	logrus.Info("Starting stats collector")

	s := Stats{
		BootTimeUnix:       time.Now().Unix(),
		Stats:              make(map[string]map[StatType]uint),
		ApplicationVersion: versioning.ApplicationVersion,
	}

	ch := make(chan AddStat, bufSize)

	go func(s *Stats, ch chan AddStat) {
		for stat := range ch {
			s.Lock()
			s.LastOperationUnix = time.Now().Unix()
			if _, ok := s.Stats[stat.Label]; !ok {
				s.Stats[stat.Label] = make(map[StatType]uint)
			}
			s.Stats[stat.Label][stat.Type] += stat.Num
			s.Unlock()
			metrics.Stats.WithLabelValues(string(stat.Type)).Add(float64(stat.Num))
			logrus.Debugf("Added %d to stat %s/%s", stat.Num, stat.Label, stat.Type)
		}
	}(&s, ch)

	return &StatsCollector{Stats: &s, Chan: ch, jobConfiguration: jc}
}

// Json returns the current statistics as a JSON byte array
func (s *StatsCollector) Json() ([]byte, error) {
	s.Stats.Lock()
	defer s.Stats.Unlock()
	s.Stats.CurrentTimeUnix = time.Now().Unix()
	return json.Marshal(s.Stats)
}

// Add is a convenience method to add a number to a statistic. A nil
// collector drops the stat, so components can run without one in tests.
func (s *StatsCollector) Add(label string, typ StatType, num uint) {
	if s == nil || num == 0 {
		return
	}
	s.Chan <- AddStat{Label: label, Type: typ, Num: num}
}

// Get returns the current value of a statistic.
func (s *StatsCollector) Get(label string, typ StatType) uint {
	s.Stats.Lock()
	defer s.Stats.Unlock()
	return s.Stats.Stats[label][typ]
}

// SetRunID sets the run ID reported with the statistics
func (s *StatsCollector) SetRunID(runID string) {
	s.Stats.Lock()
	defer s.Stats.Unlock()
	s.Stats.RunID = runID
}
