// Command follow-report summarises a recorded flight: command magnitude
// percentiles as JSON plus PNG plots of the setpoint series.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/banshee-data/follow.pilot/internal/db"
)

func main() {
	dbPath := flag.String("db", "flightlog.db", "path to the flight log sqlite file")
	session := flag.String("session", "", "session ID to report (default: most recent)")
	outDir := flag.String("out", "reports", "directory for plots; empty skips plotting")
	list := flag.Bool("list", false, "list recorded sessions and exit")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		log.Fatalf("DB path %s not accessible: %v", *dbPath, err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open flight log: %v", err)
	}
	defer database.Close()

	if *list {
		if err := ListSessions(os.Stdout, database); err != nil {
			if isNoSession(err) {
				log.Printf("no sessions recorded in %s", *dbPath)
				return
			}
			log.Fatalf("list sessions: %v", err)
		}
		return
	}

	rep, err := RunReport(database, *session, *outDir, time.Now())
	if err != nil {
		log.Fatalf("report failed: %v", err)
	}
	if err := WriteReport(os.Stdout, rep); err != nil {
		log.Fatalf("write report: %v", err)
	}
	for _, p := range rep.Plots {
		log.Printf("wrote %s", p)
	}
}
