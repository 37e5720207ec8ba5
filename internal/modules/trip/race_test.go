// README: DB-backed lifecycle and concurrency tests (run with -race).
package trip

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"hitchly/internal/types"
)

func testConfig() Config {
	return Config{
		MinLead:            15 * time.Minute,
		StartWindow:        2 * time.Hour,
		PlatformFeePercent: 15,
	}
}

func setupTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(setupTestStore(t), nil, nil, testConfig())
}

func mustCreateTrip(t *testing.T, svc *Service, driverID types.ID, seats int) *Trip {
	t.Helper()
	tr, err := svc.CreateTrip(context.Background(), CreateTripCommand{
		DriverID:      driverID,
		Origin:        "NTU Main Gate",
		Destination:   "Taipei 101",
		OriginPt:      types.Point{Lat: 25.017, Lng: 121.539},
		DestPt:        types.Point{Lat: 25.034, Lng: 121.564},
		DepartureTime: time.Now().Add(time.Hour),
		MaxSeats:      seats,
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return tr
}

func mustRequest(t *testing.T, svc *Service, tripID, riderID types.ID) *PassengerRequest {
	t.Helper()
	r, err := svc.CreateRequest(context.Background(), CreateRequestCommand{
		TripID:  tripID,
		RiderID: riderID,
		Pickup:  types.Point{Lat: 25.02, Lng: 121.54},
	})
	if err != nil {
		t.Fatalf("create request for %s: %v", riderID, err)
	}
	return r
}

func assertTripStatus(t *testing.T, svc *Service, id types.ID, want TripStatus) {
	t.Helper()
	tr, err := svc.store.GetTrip(context.Background(), id)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if tr.Status != want {
		t.Fatalf("trip status = %s, want %s", tr.Status, want)
	}
}

func TestTripValidation(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTrip(ctx, CreateTripCommand{
		DriverID: "d1", Origin: "A", Destination: "B",
		DepartureTime: time.Now().Add(time.Hour), MaxSeats: 6,
	})
	if err != ErrValidation {
		t.Fatalf("too many seats: expected ErrValidation, got %v", err)
	}

	_, err = svc.CreateTrip(ctx, CreateTripCommand{
		DriverID: "d1", Origin: "A", Destination: "B",
		DepartureTime: time.Now().Add(5 * time.Minute), MaxSeats: 3,
	})
	if err != ErrValidation {
		t.Fatalf("departure too soon: expected ErrValidation, got %v", err)
	}
}

func TestUpdateTripGuards(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_upd", 3)

	seats := 2
	updated, err := svc.UpdateTrip(ctx, UpdateTripCommand{
		TripID: tr.ID, DriverID: "d_upd", MaxSeats: &seats,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.MaxSeats != 2 {
		t.Fatalf("max seats = %d, want 2", updated.MaxSeats)
	}

	if _, err := svc.UpdateTrip(ctx, UpdateTripCommand{
		TripID: tr.ID, DriverID: "someone_else", MaxSeats: &seats,
	}); err != ErrForbidden {
		t.Fatalf("non-owner update: expected ErrForbidden, got %v", err)
	}

	tooMany := MaxSeats + 1
	if _, err := svc.UpdateTrip(ctx, UpdateTripCommand{
		TripID: tr.ID, DriverID: "d_upd", MaxSeats: &tooMany,
	}); err != ErrValidation {
		t.Fatalf("over-cap seats: expected ErrValidation, got %v", err)
	}

	// once a rider is accepted the trip is active and no longer editable
	req := mustRequest(t, svc, tr.ID, "rider_upd")
	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_upd"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.UpdateTrip(ctx, UpdateTripCommand{
		TripID: tr.ID, DriverID: "d_upd", MaxSeats: &seats,
	}); err != ErrInvalidState {
		t.Fatalf("update active trip: expected ErrInvalidState, got %v", err)
	}
}

func TestRequestLifecycleHappyPath(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_happy", 3)
	assertTripStatus(t, svc, tr.ID, TripPending)

	req := mustRequest(t, svc, tr.ID, "rider1")
	if req.EstimatedCostCents == nil {
		t.Fatal("request should lock in a cost even without routing")
	}

	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_happy"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// first acceptance activates the trip and claims a seat
	assertTripStatus(t, svc, tr.ID, TripActive)
	got, _ := svc.store.GetTrip(ctx, tr.ID)
	if got.BookedSeats != 1 {
		t.Fatalf("booked seats = %d, want 1", got.BookedSeats)
	}

	if err := svc.StartTrip(ctx, StartTripCommand{TripID: tr.ID, DriverID: "d_happy"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	assertTripStatus(t, svc, tr.ID, TripInProgress)

	// pickup before the rider confirms leaves everything untouched
	err := svc.UpdatePassengerStatus(ctx, PassengerStatusCommand{
		TripID: tr.ID, RequestID: req.ID, DriverID: "d_happy", Action: ActionPickup,
	})
	if err != ErrWaitingForConfirmation {
		t.Fatalf("pickup before confirm: expected ErrWaitingForConfirmation, got %v", err)
	}

	if err := svc.ConfirmPickup(ctx, ConfirmPickupCommand{RequestID: req.ID, RiderID: "rider1"}); err != nil {
		t.Fatalf("confirm pickup: %v", err)
	}
	if err := svc.UpdatePassengerStatus(ctx, PassengerStatusCommand{
		TripID: tr.ID, RequestID: req.ID, DriverID: "d_happy", Action: ActionPickup,
	}); err != nil {
		t.Fatalf("pickup: %v", err)
	}

	// dropping off the last passenger settles the trip automatically
	if err := svc.UpdatePassengerStatus(ctx, PassengerStatusCommand{
		TripID: tr.ID, RequestID: req.ID, DriverID: "d_happy", Action: ActionDropoff,
	}); err != nil {
		t.Fatalf("dropoff: %v", err)
	}
	assertTripStatus(t, svc, tr.ID, TripCompleted)

	// completeTrip after auto-completion returns the stored settlement
	_, st, err := svc.CompleteTrip(ctx, CompleteTripCommand{TripID: tr.ID, DriverID: "d_happy"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st == nil || st.PassengerCount != 1 {
		t.Fatalf("settlement = %+v, want 1 passenger", st)
	}
	if st.PerPassenger[0].AmountCents != *req.EstimatedCostCents {
		t.Fatalf("settled fare = %d, want locked-in %d", st.PerPassenger[0].AmountCents, *req.EstimatedCostCents)
	}
}

func TestCompleteTripIdempotent(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_idem", 2)
	req := mustRequest(t, svc, tr.ID, "rider_idem")
	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_idem"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.StartTrip(ctx, StartTripCommand{TripID: tr.ID, DriverID: "d_idem"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.ConfirmPickup(ctx, ConfirmPickupCommand{RequestID: req.ID, RiderID: "rider_idem"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	for _, a := range []PassengerAction{ActionPickup, ActionDropoff} {
		if err := svc.UpdatePassengerStatus(ctx, PassengerStatusCommand{
			TripID: tr.ID, RequestID: req.ID, DriverID: "d_idem", Action: a,
		}); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}

	_, first, err := svc.CompleteTrip(ctx, CompleteTripCommand{TripID: tr.ID, DriverID: "d_idem"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, second, err := svc.CompleteTrip(ctx, CompleteTripCommand{TripID: tr.ID, DriverID: "d_idem"})
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if first.CompletedAt.UnixNano() != second.CompletedAt.UnixNano() {
		t.Fatal("repeat completion must return the stored settlement, not a new one")
	}
	if first.TotalFaresCents != second.TotalFaresCents {
		t.Fatalf("settlement changed across calls: %d vs %d", first.TotalFaresCents, second.TotalFaresCents)
	}
}

func TestCompleteTripRequiresTerminalRequests(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_term", 2)
	req := mustRequest(t, svc, tr.ID, "rider_term")
	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_term"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// completing an active trip that was never started is a state conflict
	assertTripStatus(t, svc, tr.ID, TripActive)
	_, _, err := svc.CompleteTrip(ctx, CompleteTripCommand{TripID: tr.ID, DriverID: "d_term"})
	if err != ErrInvalidState {
		t.Fatalf("complete before start: expected ErrInvalidState, got %v", err)
	}

	if err := svc.StartTrip(ctx, StartTripCommand{TripID: tr.ID, DriverID: "d_term"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, _, err = svc.CompleteTrip(ctx, CompleteTripCommand{TripID: tr.ID, DriverID: "d_term"})
	if err != ErrInvalidState {
		t.Fatalf("complete with accepted rider: expected ErrInvalidState, got %v", err)
	}

	// once the rider is through the pickup/dropoff loop, completion succeeds
	if err := svc.ConfirmPickup(ctx, ConfirmPickupCommand{RequestID: req.ID, RiderID: "rider_term"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	for _, a := range []PassengerAction{ActionPickup, ActionDropoff} {
		if err := svc.UpdatePassengerStatus(ctx, PassengerStatusCommand{
			TripID: tr.ID, RequestID: req.ID, DriverID: "d_term", Action: a,
		}); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
	_, st, err := svc.CompleteTrip(ctx, CompleteTripCommand{TripID: tr.ID, DriverID: "d_term"})
	if err != nil {
		t.Fatalf("complete after dropoff: %v", err)
	}
	if st == nil || st.PassengerCount != 1 {
		t.Fatalf("settlement = %+v, want 1 passenger", st)
	}
}

func TestCancelTripCascades(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_cascade", 3)
	r1 := mustRequest(t, svc, tr.ID, "rider_c1")
	mustRequest(t, svc, tr.ID, "rider_c2")
	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: r1.ID, DriverID: "d_cascade"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := svc.CancelTrip(ctx, CancelTripCommand{TripID: tr.ID, ActorID: "d_cascade"}); err != nil {
		t.Fatalf("cancel trip: %v", err)
	}
	assertTripStatus(t, svc, tr.ID, TripCancelled)

	got, _ := svc.store.GetTrip(ctx, tr.ID)
	if got.BookedSeats != 0 {
		t.Fatalf("booked seats = %d, want 0 after cascade", got.BookedSeats)
	}
	reqs, _ := svc.store.ListRequestsByTrip(ctx, svc.store.db, tr.ID)
	for _, r := range reqs {
		if r.Status != RequestCancelled {
			t.Fatalf("request %s = %s, want cancelled", r.ID, r.Status)
		}
	}
}

func TestCancelAcceptedRequestFreesSeat(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_free", 2)
	req := mustRequest(t, svc, tr.ID, "rider_free")
	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_free"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.CancelRequest(ctx, CancelRequestCommand{RequestID: req.ID, RiderID: "rider_free"}); err != nil {
		t.Fatalf("cancel request: %v", err)
	}
	got, _ := svc.store.GetTrip(ctx, tr.ID)
	if got.BookedSeats != 0 {
		t.Fatalf("booked seats = %d, want 0", got.BookedSeats)
	}
}

func TestLastCancellationAutoCompletes(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_auto", 2)
	done := mustRequest(t, svc, tr.ID, "rider_done")
	loose := mustRequest(t, svc, tr.ID, "rider_loose")
	for _, r := range []*PassengerRequest{done, loose} {
		if err := svc.Accept(ctx, DecideRequestCommand{RequestID: r.ID, DriverID: "d_auto"}); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := svc.StartTrip(ctx, StartTripCommand{TripID: tr.ID, DriverID: "d_auto"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.ConfirmPickup(ctx, ConfirmPickupCommand{RequestID: done.ID, RiderID: "rider_done"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	for _, a := range []PassengerAction{ActionPickup, ActionDropoff} {
		if err := svc.UpdatePassengerStatus(ctx, PassengerStatusCommand{
			TripID: tr.ID, RequestID: done.ID, DriverID: "d_auto", Action: a,
		}); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
	assertTripStatus(t, svc, tr.ID, TripInProgress)

	// the no-show rider cancels; that was the last open request
	if err := svc.CancelRequest(ctx, CancelRequestCommand{RequestID: loose.ID, RiderID: "rider_loose"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertTripStatus(t, svc, tr.ID, TripCompleted)

	got, _ := svc.store.GetTrip(ctx, tr.ID)
	if got.Settlement == nil || got.Settlement.PassengerCount != 1 {
		t.Fatalf("settlement = %+v, want 1 charged passenger", got.Settlement)
	}
}

func TestConcurrentAcceptsRespectCapacity(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	const seats = 2
	const riders = 6
	tr := mustCreateTrip(t, svc, "d_cap", seats)

	reqs := make([]*PassengerRequest, riders)
	for i := range reqs {
		reqs[i] = mustRequest(t, svc, tr.ID, types.ID(fmt.Sprintf("rider_cap%d", i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, riders)
	start := make(chan struct{})
	for _, r := range reqs {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			errs <- svc.Accept(ctx, DecideRequestCommand{RequestID: id, DriverID: "d_cap"})
		}(r.ID)
	}
	close(start)
	wg.Wait()
	close(errs)

	success, capped := 0, 0
	for err := range errs {
		switch err {
		case nil:
			success++
		case ErrCapacityExceeded:
			capped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != seats {
		t.Fatalf("expected exactly %d acceptances, got %d", seats, success)
	}
	if capped != riders-seats {
		t.Fatalf("expected %d capacity errors, got %d", riders-seats, capped)
	}

	got, _ := svc.store.GetTrip(ctx, tr.ID)
	if got.BookedSeats != seats {
		t.Fatalf("booked seats = %d, want %d", got.BookedSeats, seats)
	}
}

func TestConcurrentAcceptVsRiderCancel(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_race", 2)
	req := mustRequest(t, svc, tr.ID, "rider_race")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_race"})
	}()
	go func() {
		defer wg.Done()
		errs <- svc.CancelRequest(ctx, CancelRequestCommand{RequestID: req.ID, RiderID: "rider_race"})
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && err != ErrConflict && err != ErrInvalidState {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// whatever interleaving won, seats and status must agree
	got, _ := svc.store.GetTrip(ctx, tr.ID)
	r, _ := svc.store.GetRequest(ctx, svc.store.db, req.ID)
	switch r.Status {
	case RequestAccepted:
		if got.BookedSeats != 1 {
			t.Fatalf("accepted but seats = %d", got.BookedSeats)
		}
	case RequestCancelled:
		if got.BookedSeats != 0 {
			t.Fatalf("cancelled but seats = %d", got.BookedSeats)
		}
	default:
		t.Fatalf("unexpected final request status %s", r.Status)
	}
}

func TestConcurrentCompleteSettlesOnce(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_once", 2)
	req := mustRequest(t, svc, tr.ID, "rider_once")
	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_once"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.StartTrip(ctx, StartTripCommand{TripID: tr.ID, DriverID: "d_once"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.ConfirmPickup(ctx, ConfirmPickupCommand{RequestID: req.ID, RiderID: "rider_once"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	for _, a := range []PassengerAction{ActionPickup, ActionDropoff} {
		if err := svc.UpdatePassengerStatus(ctx, PassengerStatusCommand{
			TripID: tr.ID, RequestID: req.ID, DriverID: "d_once", Action: a,
		}); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}

	const attempts = 4
	var wg sync.WaitGroup
	settlements := make(chan *Settlement, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, st, err := svc.CompleteTrip(ctx, CompleteTripCommand{TripID: tr.ID, DriverID: "d_once"})
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			settlements <- st
		}()
	}
	wg.Wait()
	close(settlements)

	var first *Settlement
	for st := range settlements {
		if first == nil {
			first = st
			continue
		}
		if st.CompletedAt.UnixNano() != first.CompletedAt.UnixNano() || st.TotalFaresCents != first.TotalFaresCents {
			t.Fatal("concurrent completions returned different settlements")
		}
	}
}

func TestFixStuckTrips(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	tr := mustCreateTrip(t, svc, "d_stuck", 2)
	req := mustRequest(t, svc, tr.ID, "rider_stuck")
	if err := svc.Accept(ctx, DecideRequestCommand{RequestID: req.ID, DriverID: "d_stuck"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// force the inconsistent shape the repair exists for
	if _, err := svc.store.db.Exec(ctx, `UPDATE trips SET status = 'pending' WHERE id = $1`, string(tr.ID)); err != nil {
		t.Fatalf("force pending: %v", err)
	}

	fixed, err := svc.FixStuckTrips(ctx, "d_stuck", nil)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if fixed != 1 {
		t.Fatalf("fixed = %d, want 1", fixed)
	}
	assertTripStatus(t, svc, tr.ID, TripActive)
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("HITCHLY_TEST_DSN")
	if dsn == "" {
		t.Skip("HITCHLY_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	if _, err := db.Exec(ctx, "TRUNCATE TABLE trip_state_events, trip_requests, reviews, trips"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	path := filepath.Join(root, "migrations", "0001_init.sql")
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cleaned := stripSQLComments(string(content))
	for _, stmt := range splitSQL(cleaned) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
