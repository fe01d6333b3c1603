package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"clubwise-courts/booking"
	"clubwise-courts/clubwise"
	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"
	"clubwise-courts/storage"

	"github.com/google/go-cmp/cmp"
)

const (
	recordedDateChange = `{"ActionRequest":{"aActions":[{"sAction":"mChangeDate"}],"Header":{"aSyncProps":[` +
		`{"sO":"oMulticourtGrid.oMCG","aP":[{"sN":"pdCurrentDate","sV":"14/03/2025"}]}]}}}`
	recordedShow = `{"ActionRequest":{"aActions":[{"sAction":"OnShow"}],"Header":{"aSyncProps":[` +
		`{"sO":"oMulticourtGrid.oMCG","aP":[{"sN":"pdCurrentDate","sV":"14/03/2025"}]}]}}}`
	showResponse = `{"Header":{"aSyncProps":[` +
		`{"sO":"oPage.oHoursLabelHTML","aP":[{"sN":"psHtml","sV":"<div class=\"courtTime\"><div>18:00</div><div>18:30</div></div>"}]},` +
		`{"sO":"oPage.oMulticourtGridHTML","aP":[{"sN":"psHtml","sV":"` +
		`<div class=\"courtGridRow\"><div class=\"courtGridCell\"></div><div class=\"courtGridCell courtBooked\"></div></div>` +
		`<div class=\"courtGridRow\"><div class=\"courtGridCell\"></div><div class=\"courtGridCell\"></div></div>"}]}]}}`
)

type unusedRecorder struct{}

func (unusedRecorder) Record(context.Context) (*courts.Artifacts, error) {
	return nil, errors.New("recording not expected")
}

type siteCall struct {
	action string
	date   string
	cookie string
}

func TestBookingsAgainstBookingSite(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []siteCall
	)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request: %v", err)
		}
		tmpl, err := payload.Decode(body)
		if err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var date string
		if g := tmpl.Header().Group("oMulticourtGrid.oMCG"); g != nil {
			if p := g.Property("pdCurrentDate"); p != nil {
				date, _ = p.Text()
			}
		}
		var cookie string
		if c, err := r.Cookie("ASP.NET_SessionId"); err == nil {
			cookie = c.Value
		}

		mu.Lock()
		calls = append(calls, siteCall{action: tmpl.Action(), date: date, cookie: cookie})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if tmpl.Action() == payload.ActionShow {
			_, _ = io.WriteString(w, showResponse)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer site.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store := storage.New(nil, "", t.TempDir(), logger)
	dateChange, err := payload.Decode([]byte(recordedDateChange))
	if err != nil {
		t.Fatal(err)
	}
	show, err := payload.Decode([]byte(recordedShow))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, &courts.Artifacts{
		Auth:       &courts.AuthState{Cookies: []courts.Cookie{{Name: "ASP.NET_SessionId", Value: "recorded"}}},
		DateChange: dateChange,
		Show:       show,
	}); err != nil {
		t.Fatal(err)
	}

	replayer, err := clubwise.New(&clubwise.Config{
		Endpoint: site.URL + "/upsugymandsportscentre/WebServiceDispatcher.wso/CallAction/JSON",
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := booking.New(&booking.Config{
		Store:    store,
		Recorder: unusedRecorder{},
		Replayer: replayer,
		Logger:   logger,
	})
	h := New(&Config{Availability: svc, Logger: logger}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bookings?date=25/12/2025", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	want := `[{"time":"18:00","free":[true,false]},{"time":"18:30","free":[true,true]}]`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("body = %s, want %s", got, want)
	}

	wantCalls := []siteCall{
		{action: payload.ActionChangeDate, date: "25/12/2025", cookie: "recorded"},
		{action: payload.ActionShow, date: "25/12/2025", cookie: "recorded"},
	}
	if diff := cmp.Diff(wantCalls, calls, cmp.AllowUnexported(siteCall{})); diff != "" {
		t.Errorf("site calls mismatch (-want +got):\n%s", diff)
	}
}
