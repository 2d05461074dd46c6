package model_test

import (
	"testing"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	t.Parallel()
	type then struct {
		d   time.Duration
		err bool
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"empty_is_default", "", then{model.DefaultInterval, false}},
		{"seconds", "60", then{time.Minute, false}},
		{"go_duration", "1h30m", then{90 * time.Minute, false}},
		{"iso_minutes", "PT5M", then{5 * time.Minute, false}},
		{"iso_day_and_time", "P1DT2H", then{26 * time.Hour, false}},
		{"iso_fraction", "PT1,5S", then{1500 * time.Millisecond, false}},
		{"cron_every", "@every 5m", then{5 * time.Minute, false}},
		{"cron_hourly", "@hourly", then{time.Hour, false}},
		{"cron_fields", "*/15 * * * *", then{15 * time.Minute, false}},
		{"zero", "0", then{0, true}},
		{"negative", "-5s", then{0, true}},
		{"iso_dangling_t", "PT", then{0, true}},
		{"iso_months", "P2M", then{0, true}},
		{"garbage", "soon", then{0, true}},
		{"bad_cron", "* * 32 * *", then{0, true}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseInterval(tc.given)
			if tc.then.err {
				require.Error(t, err)
				require.ErrorIs(t, err, model.ErrInterval)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.d, d)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	d, err := model.ParseISODuration("P1DT1H1M1S")
	require.NoError(t, err)
	require.Equal(t, 25*time.Hour+time.Minute+time.Second, d)

	for _, bad := range []string{"", "P", "PT", "P1DT", "1D", "P1W"} {
		_, err := model.ParseISODuration(bad)
		require.ErrorIs(t, err, model.ErrISOFormat, bad)
	}
}
