// Package clock formats store timestamps.
package clock

import "time"

// Layout is fixed-width so stored timestamps sort lexically in time order.
const Layout = "2006-01-02T15:04:05.000000000Z"

func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}
