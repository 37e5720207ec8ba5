// README: Entry point; loads config, wires services, starts the HTTP server.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hitchly/internal/config"
	httptransport "hitchly/internal/http"
	"hitchly/internal/infra"
	"hitchly/internal/maps"
	"hitchly/internal/modules/matching"
	"hitchly/internal/modules/trip"
	"hitchly/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("HITCHLY_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)

	estimatorTimeout := time.Duration(cfg.Matching.EstimatorTimeoutMS) * time.Millisecond
	var routes *maps.RouteService
	if cfg.Maps.APIKey != "" {
		routes, err = maps.NewRouteService(cfg.Maps.APIKey, estimatorTimeout)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
	} else {
		log.Print("GOOGLE_MAPS_API_KEY not set; route estimates fall back to defaults")
	}

	var notifier trip.Notifier
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := notify.NewFCMNotifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Fatalf("fcm init: %v", err)
		}
		notifier = fcm
	} else {
		notifier = notify.LogNotifier{}
	}

	tripStore := trip.NewStore(dbPool)
	tripSvc := trip.NewService(tripStore, routeEstimator(routes), notifier, trip.Config{
		MinLead:            time.Duration(cfg.Trip.MinLeadMinutes) * time.Minute,
		StartWindow:        time.Duration(cfg.Trip.StartWindowMinutes) * time.Minute,
		PlatformFeePercent: cfg.Trip.PlatformFeePercent,
	})

	matchingStore := matching.NewStore(dbPool, redisClient)
	matchingSvc := matching.NewService(matchingStore, matchEstimator(routes), cfg.Matching)

	handler := httptransport.NewRouter(httptransport.ServerDeps{
		Trips:    tripSvc,
		Matching: matchingSvc,
		Verifier: verifier,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// routeEstimator and matchEstimator keep a typed-nil *RouteService out of the
// interface values.
func routeEstimator(r *maps.RouteService) trip.RouteEstimator {
	if r == nil {
		return nil
	}
	return r
}

func matchEstimator(r *maps.RouteService) matching.RouteEstimator {
	if r == nil {
		return nil
	}
	return r
}
