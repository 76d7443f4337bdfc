package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/config"
	"github.com/ChuLiYu/sitepresence/internal/identity"
	"github.com/ChuLiYu/sitepresence/internal/sites"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/spf13/cobra"
)

const replayUser = "replay"

func buildReplayCommand() *cobra.Command {
	var trackFile, sitesFile string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a recorded track through the tracker without delivering",
		Long: `Read position samples as JSON lines and print every confirmed transition.
The sample capture time drives the tracker clock, so dwell and rate limits
behave as they did when the track was recorded. Nothing is queued or sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if sitesFile == "" {
				sitesFile = cfg.Sites.File
			}
			list, err := sites.LoadFile(sitesFile)
			if err != nil {
				return err
			}

			f, err := os.Open(trackFile)
			if err != nil {
				return fmt.Errorf("failed to open track: %w", err)
			}
			defer f.Close()

			summary, err := replay(cmd.Context(), f, cmd.OutOrStdout(), cfg, list)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&trackFile, "file", "f", "", "JSON-lines file of position samples")
	cmd.Flags().StringVar(&sitesFile, "sites", "", "sites file (default: sites.file from the config)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// replaySummary counts sample dispositions and confirmed transitions.
type replaySummary struct {
	Samples      int
	Dispositions map[tracking.Disposition]int
	Transitions  int
}

func (s replaySummary) String() string {
	parts := make([]string, 0, len(s.Dispositions))
	for _, d := range []tracking.Disposition{
		tracking.DispositionProcessed,
		tracking.DispositionRateLimited,
		tracking.DispositionInaccurate,
		tracking.DispositionInvalid,
	} {
		if n := s.Dispositions[d]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", d, n))
		}
	}
	return fmt.Sprintf("samples: %d (%s)  transitions: %d", s.Samples, strings.Join(parts, " "), s.Transitions)
}

// replay feeds every sample in r to a fresh tracker and writes each
// confirmed transition to out as a JSON line.
func replay(ctx context.Context, r io.Reader, out io.Writer, cfg *config.Config, list []types.MonitoredSite) (replaySummary, error) {
	summary := replaySummary{Dispositions: make(map[tracking.Disposition]int)}

	var clock time.Time
	enc := json.NewEncoder(out)
	handler := tracking.HandlerFunc(func(_ context.Context, ev types.TransitionEvent) error {
		summary.Transitions++
		return enc.Encode(ev)
	})

	user := cfg.User.ID
	if user == "" {
		user = replayUser
	}
	tr, err := tracking.NewTracker(trackingConfig(cfg), handler, identity.Static(user),
		tracking.WithClock(func() time.Time { return clock }))
	if err != nil {
		return summary, err
	}
	tr.SetSites(list)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		var s types.PositionSample
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return summary, fmt.Errorf("line %d: %w", line, err)
		}
		if s.CapturedAt.IsZero() {
			return summary, fmt.Errorf("line %d: captured_at is required", line)
		}
		if !clock.IsZero() && s.CapturedAt.Before(clock) {
			return summary, fmt.Errorf("line %d: samples must be in time order", line)
		}

		clock = s.CapturedAt
		if !tr.Running() {
			tr.Start()
		}
		res := tr.HandleSample(ctx, s)
		summary.Samples++
		summary.Dispositions[res.Disposition]++
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read track: %w", err)
	}
	if summary.Samples == 0 {
		return summary, errors.New("track contains no samples")
	}
	return summary, nil
}
