package jobs

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

var (
	reHHMM  = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	reColon = regexp.MustCompile(`^:(\d{2})$`)
)

var weekdays = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// CronSpec maps an every/at pair to a six-field cron spec (seconds first)
// or an "@every" descriptor. Errors are ConfigurationErrors.
//
//	second            -> @every 1s
//	minute   [:SS]    -> S * * * * *
//	hour     [:MM]    -> 0 M * * * *
//	day      [HH:MM]  -> 0 M H * * *
//	weekday  [HH:MM]  -> 0 M H * * 1-5
//	weekend  [HH:MM]  -> 0 M H * * 0,6
//	monday.. [HH:MM]  -> 0 M H * * <dow>
//	N | 90s | 1h30m   -> @every N
func CronSpec(every, at string) (string, error) {
	every = strings.ToLower(strings.TrimSpace(every))
	at = strings.TrimSpace(at)
	if every == "" {
		return "", errdefs.Configuration("schedule interval is required")
	}

	switch every {
	case "second":
		if at != "" {
			return "", errdefs.Configuration("every second does not take an at time (got %q)", at)
		}
		return "@every 1s", nil
	case "minute":
		sec, err := colonField(at, "second")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d * * * * *", sec), nil
	case "hour":
		min, err := colonField(at, "minute")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0 %d * * * *", min), nil
	}

	dow := ""
	switch every {
	case "day":
		dow = "*"
	case "weekday":
		dow = "1-5"
	case "weekend":
		dow = "0,6"
	default:
		if d, ok := weekdays[every]; ok {
			dow = strconv.Itoa(d)
		}
	}
	if dow != "" {
		h, m, err := clock(at)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0 %d %d * * %s", m, h, dow), nil
	}

	d, err := interval(every)
	if err != nil {
		return "", err
	}
	if at != "" {
		return "", errdefs.Configuration("interval %q does not take an at time (got %q)", every, at)
	}
	return "@every " + d.String(), nil
}

func colonField(at, unit string) (int, error) {
	if at == "" {
		return 0, nil
	}
	m := reColon.FindStringSubmatch(at)
	if m == nil {
		return 0, errdefs.Configuration("invalid at %q, expected :SS style %s", at, unit)
	}
	v, _ := strconv.Atoi(m[1])
	if v > 59 {
		return 0, errdefs.Configuration("invalid %s in %q", unit, at)
	}
	return v, nil
}

// clock parses HH:MM. Empty means midnight.
func clock(at string) (int, int, error) {
	if at == "" {
		return 0, 0, nil
	}
	m := reHHMM.FindStringSubmatch(at)
	if m == nil {
		return 0, 0, errdefs.Configuration("invalid time %q, expected HH:MM", at)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	if h > 23 || min > 59 {
		return 0, 0, errdefs.Configuration("invalid time %q, expected HH:MM", at)
	}
	return h, min, nil
}

// interval accepts a number of seconds or a Go duration.
func interval(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, errdefs.Configuration("interval must be > 0 (got %q)", v)
		}
		if int64(n) > math.MaxInt64/int64(time.Second) {
			return 0, errdefs.Configuration("interval %q is too large", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errdefs.Configuration("unknown schedule interval %q", v)
	}
	if d < time.Second {
		return 0, errdefs.Configuration("interval must be at least 1s (got %q)", v)
	}
	return d, nil
}

// LoadTimezone resolves tz, falling back to def when tz is empty.
func LoadTimezone(tz string, def *time.Location) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		if def == nil {
			return time.UTC, nil
		}
		return def, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errdefs.Configuration("unknown timezone %q", tz)
	}
	return loc, nil
}

// withTimezone prefixes calendar specs with CRON_TZ. Intervals do not depend
// on the zone.
func withTimezone(spec string, loc *time.Location) string {
	if strings.HasPrefix(spec, "@every") || loc == nil {
		return spec
	}
	return "CRON_TZ=" + loc.String() + " " + spec
}
