package main

import (
	"context"
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/es"

	"github.com/OpenTransitTools/transitcast/app/fusionsvc"
	"github.com/OpenTransitTools/transitcast/business/data/gtfsload"
	"github.com/OpenTransitTools/transitcast/business/realtime/materializer"
	"github.com/OpenTransitTools/transitcast/business/realtime/passrecorder"
	"github.com/OpenTransitTools/transitcast/business/realtime/platformhabits"
	"github.com/OpenTransitTools/transitcast/business/realtime/shapeindex"
	"github.com/OpenTransitTools/transitcast/business/realtime/tripupdatecache"
	"github.com/OpenTransitTools/transitcast/business/realtime/vehiclecache"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "FUSION_SVC : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		GTFS struct {
			StaticDir  string `conf:"default:./data/gtfs"`
			DerivedDir string `conf:"default:./data/derived"`
			Timezone   string `conf:"default:Europe/Madrid"`
		}
		Realtime struct {
			VehiclePositionsUrl   string `conf:"default:https://example.invalid/vehicle_positions"`
			TripUpdatesUrl        string `conf:"default:https://example.invalid/trip_updates"`
			PollEverySeconds      int    `conf:"default:8"`
			TripUpdateEverySeconds int   `conf:"default:15"`
		}
		Web struct {
			HttpPort int `conf:"default:8080"`
		}
		Habits struct {
			JsonPath string `conf:"default:./data/platform_habits.json"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Realtime transit service fusion engine"
	const prefix = "FUSION"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Load static timetable

	loc, err := time.LoadLocation(cfg.GTFS.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", cfg.GTFS.Timezone, err)
	}

	log.Println("main: Loading static timetable")
	repo, err := gtfsload.Load(gtfsload.Dirs{
		StaticDir:  cfg.GTFS.StaticDir,
		DerivedDir: cfg.GTFS.DerivedDir,
	})
	if err != nil {
		return fmt.Errorf("loading static timetable: %w", err)
	}

	shapes := shapeindex.Build(repo)
	trains := materializer.New(repo, loc, makeServiceHolidayCalendar())

	// =========================================================================
	// Realtime state

	vehicles := vehiclecache.New(repo, log)
	tripUpdates := tripupdatecache.New(repo, vehicles, log)
	passes := passrecorder.New()
	habits := platformhabits.New(cfg.Habits.JsonPath,
		filepath.Join(cfg.GTFS.DerivedDir, "platform_habits_blacklist.csv"))

	core := &fusionsvc.Core{
		Log:         log,
		Repo:        repo,
		Trains:      trains,
		Vehicles:    vehicles,
		TripUpdates: tripUpdates,
		Shapes:      shapes,
		Passes:      passes,
		Habits:      habits,
		Loc:         loc,
	}

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	webShutdown := make(chan bool)

	vehicleShutdown := make(chan os.Signal, 1)
	tripUpdateShutdown := make(chan os.Signal, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vehicles.RunLoop(ctx, cfg.Realtime.VehiclePositionsUrl,
			time.Duration(cfg.Realtime.PollEverySeconds)*time.Second, vehicleShutdown)
	}()
	go func() {
		defer wg.Done()
		tripUpdates.RunLoop(ctx, cfg.Realtime.TripUpdatesUrl,
			time.Duration(cfg.Realtime.TripUpdateEverySeconds)*time.Second, tripUpdateShutdown)
	}()

	go fusionsvc.RunWebService(log, &wg, core, cfg.Web.HttpPort, webShutdown)

	sweepTicker := time.NewTicker(time.Hour)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-sweepTicker.C:
				if removed := passes.Sweep(now); removed > 0 {
					log.Printf("main: swept %d expired pass-recorder services", removed)
				}
			}
		}
	}()

	<-shutdown
	log.Println("main: shutdown signal received")
	close(webShutdown)
	vehicleShutdown <- os.Interrupt
	tripUpdateShutdown <- os.Interrupt
	cancel()
	wg.Wait()
	return nil
}

//makeServiceHolidayCalendar builds the national holiday calendar used to
//flag materialized service dates.
func makeServiceHolidayCalendar() *serviceHolidayCalendar {
	calendar := cal.NewBusinessCalendar()
	calendar.AddHoliday(es.Holidays...)
	return &serviceHolidayCalendar{calendar: calendar}
}

//serviceHolidayCalendar holds the holidays observed by the operator
type serviceHolidayCalendar struct {
	calendar *cal.BusinessCalendar
}

//IsHoliday returns true if at is on an observed holiday
func (s *serviceHolidayCalendar) IsHoliday(at time.Time) bool {
	_, observed, _ := s.calendar.IsHoliday(at)
	return observed
}
