package main

import (
	"os"
	"time"
	_ "time/tzdata" // schedule timezones must resolve without system zoneinfo
)

func main() {
	// Ensure that we use UTC everywhere.  Schedules carry their own timezone.
	if err := os.Setenv("TZ", "UTC"); err != nil {
		panic(err)
	}
	time.Local = time.UTC

	execute()
}
