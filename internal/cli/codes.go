package cli

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"c19x.org/internal/codes"
)

// DayReport describes the codes of one day.
type DayReport struct {
	Day     int    `json:"day" yaml:"day"`
	Date    string `json:"date" yaml:"date"`
	DayCode int64  `json:"dayCode" yaml:"dayCode"`
	Seed    int64  `json:"seed" yaml:"seed"`
	Human   string `json:"human" yaml:"human"`
}

func newCodesCmd(opts *options) *cobra.Command {
	var (
		secret  string
		day     int
		count   int
		horizon int
	)
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Show day codes and beacon seeds derived from a shared secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := decodeSecret(secret)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("day") {
				day = codes.DayIndex(time.Now())
			}
			if count < 1 {
				return fmt.Errorf("--count must be positive")
			}
			at := codes.Epoch.AddDate(0, 0, day)
			chain := codes.New(raw, codes.WithHorizon(horizon), codes.WithClock(func() time.Time { return at }))
			dcs, err := chain.Range(count)
			if err != nil {
				return err
			}
			seeds := codes.Seeds(dcs)
			reports := make([]DayReport, len(dcs))
			for i, dc := range dcs {
				d := day - len(dcs) + 1 + i
				reports[i] = DayReport{
					Day:     d,
					Date:    codes.Epoch.AddDate(0, 0, d).Format("2006-01-02"),
					DayCode: dc,
					Seed:    seeds[i],
					Human:   codes.Human(dc),
				}
			}
			opts.print(cmd.OutOrStdout(), reports)
			return nil
		},
	}
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "base64 shared secret")
	cmd.Flags().IntVarP(&day, "day", "d", 0, "day index since 2020-01-01 (default today)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of days ending at --day")
	cmd.Flags().IntVar(&horizon, "horizon", codes.DefaultHorizon, "days covered by the chain")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return b, nil
		}
	}
	return nil, fmt.Errorf("secret is not base64")
}
