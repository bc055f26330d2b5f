package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	gorillaws "github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/rjsadow/attentive/internal/archive"
	"github.com/rjsadow/attentive/internal/attention"
	"github.com/rjsadow/attentive/internal/auth"
	"github.com/rjsadow/attentive/internal/config"
	"github.com/rjsadow/attentive/internal/db"
	"github.com/rjsadow/attentive/internal/diagnostics"
	"github.com/rjsadow/attentive/internal/gateway"
	"github.com/rjsadow/attentive/internal/pubsub"
	"github.com/rjsadow/attentive/internal/relay"
	"github.com/rjsadow/attentive/internal/server"
	"github.com/rjsadow/attentive/internal/sse"
	"github.com/rjsadow/attentive/internal/websocket"
)

type published struct {
	Channel string
	Body    map[string]any
}

type harness struct {
	srv      *httptest.Server
	mr       *miniredis.Miniredis
	journal  *db.DB
	messages chan published
}

type harnessOptions struct {
	secret    string
	rateLimit rate.Limit
	burst     int
}

func newHarness(opts harnessOptions) *harness {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisPub := pubsub.NewRedisPublisherWithClient(client)
	DeferCleanup(redisPub.Close)

	database, err := db.OpenDB("sqlite", filepath.Join(GinkgoT().TempDir(), "journal.db"))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(database.Close)

	hub := sse.NewHub()
	archiver := archive.NewArchiver(database, archive.NewLocalStore(GinkgoT().TempDir()), nil)
	archiveCtx, stopArchiver := context.WithCancel(context.Background())
	archiverDone := make(chan struct{})
	go func() {
		archiver.Run(archiveCtx)
		close(archiverDone)
	}()
	DeferCleanup(func() {
		stopArchiver()
		<-archiverDone
	})
	publisher := pubsub.NewMultiPublisher(redisPub, db.NewJournal(database, nil), archiver, hub)

	cfg := &config.Config{
		Port:            config.DefaultPort,
		LogLevel:        config.DefaultLogLevel,
		Publisher:       "redis",
		JournalEnabled:  true,
		DBType:          "sqlite",
		AnalyzerEnabled: true,
		MaxBodyBytes:    config.DefaultMaxBodyBytes,
		JWTSecret:       opts.secret,
	}

	rl := relay.New(publisher, nil)
	app := &server.App{
		Relay:            rl,
		WebSocketHandler: websocket.NewHandler(rl, websocket.Options{Analyzer: publisher}),
		Hub:              hub,
		Archives:         archiver,
		DiagCollector: diagnostics.NewCollector(cfg, []diagnostics.Check{
			{Name: "publisher", Pinger: publisher},
		}, database, time.Now()),
		Config: cfg,
	}
	if opts.secret != "" {
		app.Authenticator = auth.NewTokenAuthenticator(opts.secret)
	}
	if opts.rateLimit > 0 {
		app.Limiter = gateway.NewRateLimiter(opts.rateLimit, opts.burst)
	}

	h := &harness{mr: mr, journal: database, messages: make(chan published, 64)}
	h.subscribe(client)
	h.srv = httptest.NewServer(app.Handler())
	DeferCleanup(h.srv.Close)
	return h
}

func (h *harness) subscribe(client *redis.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	DeferCleanup(cancel)

	sub := client.Subscribe(ctx, pubsub.ChannelSessionEvents, pubsub.ChannelData, pubsub.ChannelMeaningfulEvents)
	DeferCleanup(sub.Close)
	_, err := sub.Receive(ctx)
	Expect(err).NotTo(HaveOccurred())

	go func() {
		defer GinkgoRecover()
		for msg := range sub.Channel() {
			var body map[string]any
			Expect(json.Unmarshal([]byte(msg.Payload), &body)).To(Succeed())
			h.messages <- published{Channel: msg.Channel, Body: body}
		}
	}()
}

func (h *harness) received(n int) []published {
	var got []published
	Eventually(func() int {
		for {
			select {
			case m := <-h.messages:
				got = append(got, m)
			default:
				return len(got)
			}
		}
	}).WithTimeout(5 * time.Second).Should(BeNumerically(">=", n))
	return got
}

func onChannel(msgs []published, channel string) []published {
	var out []published
	for _, m := range msgs {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) post(body, token string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/events", strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(resp.Body.Close)
	return resp
}

func (h *harness) dial(token string) *gorillaws.Conn {
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	ws, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()
	DeferCleanup(ws.Close)
	return ws
}

var sessionScenario = []string{
	`{"sessionId":"S1","userId":"u1","timestamp":"2026-01-02T03:04:05Z","eventType":"start","payload":{"userAgent":"test"}}`,
	`{"sessionId":"S1","userId":"u1","timestamp":"2026-01-02T03:04:06Z","eventType":"data","payload":{"ear_left":0.3,"ear_right":0.31}}`,
	`{"sessionId":"S1","userId":"u1","timestamp":"2026-01-02T03:04:07Z","eventType":"data","payload":{"ear_left":0.29,"ear_right":0.3}}`,
	`{"sessionId":"S1","userId":"u1","timestamp":"2026-01-02T03:04:08Z","eventType":"end","payload":{"reason":"done"}}`,
}

func expectScenarioPublished(msgs []published) {
	session := onChannel(msgs, pubsub.ChannelSessionEvents)
	Expect(session).To(HaveLen(2))
	Expect(session[0].Body).To(Equal(map[string]any{
		"sessionId": "S1", "eventType": "start", "timestamp": "2026-01-02T03:04:05Z",
	}))
	Expect(session[1].Body).To(HaveKeyWithValue("eventType", "end"))

	data := onChannel(msgs, pubsub.ChannelData)
	Expect(data).To(HaveLen(2))
	for _, m := range data {
		Expect(m.Body).To(HaveKeyWithValue("sessionId", "S1"))
		Expect(m.Body).To(HaveKey("payload"))
		Expect(m.Body).NotTo(HaveKey("eventType"))
		Expect(m.Body).NotTo(HaveKey("userId"))
	}
}

var _ = Describe("Relay server", func() {
	Describe("observability", func() {
		It("reports liveness and readiness", func() {
			h := newHarness(harnessOptions{})

			resp, err := http.Get(h.srv.URL + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("X-Request-ID")).NotTo(BeEmpty())

			resp, err = http.Get(h.srv.URL + "/readyz")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("fails readiness when the broker is down", func() {
			h := newHarness(harnessOptions{})
			h.mr.Close()

			resp, err := http.Get(h.srv.URL + "/readyz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

			var health diagnostics.HealthSummary
			Expect(json.NewDecoder(resp.Body).Decode(&health)).To(Succeed())
			Expect(health.Overall).To(Equal("degraded"))
		})

		It("serves a diagnostics bundle with journal counts", func() {
			h := newHarness(harnessOptions{})
			for _, body := range sessionScenario {
				Expect(h.post(body, "").StatusCode).To(Equal(http.StatusOK))
			}

			resp, err := http.Get(h.srv.URL + "/api/diagnostics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var bundle diagnostics.Bundle
			Expect(json.NewDecoder(resp.Body).Decode(&bundle)).To(Succeed())
			Expect(bundle.Journal).NotTo(BeNil())
			Expect(bundle.Journal.SessionEvents).To(Equal(2))
			Expect(bundle.Journal.Data).To(Equal(2))
		})
	})

	Describe("batch ingestion", func() {
		It("publishes a session to the right channels", func() {
			h := newHarness(harnessOptions{})
			for _, body := range sessionScenario {
				Expect(h.post(body, "").StatusCode).To(Equal(http.StatusOK))
			}

			expectScenarioPublished(h.received(4))

			stored, err := h.journal.ListSessionMessages(context.Background(), "S1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(4))
		})

		It("rejects invalid events without publishing", func() {
			h := newHarness(harnessOptions{})

			Expect(h.post(`{"eventType":"start"}`, "").StatusCode).To(Equal(http.StatusBadRequest))
			Expect(h.post(`{"sessionId":"S1","eventType":"bogus"}`, "").StatusCode).To(Equal(http.StatusBadRequest))
			Expect(h.post(`not json`, "").StatusCode).To(Equal(http.StatusBadRequest))

			Consistently(h.messages).WithTimeout(200 * time.Millisecond).ShouldNot(Receive())
		})

		It("accepts status updates without publishing", func() {
			h := newHarness(harnessOptions{})

			resp := h.post(`{"sessionId":"S1","eventType":"status_update","payload":{"status":"paused"}}`, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			Consistently(h.messages).WithTimeout(200 * time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("streaming ingestion", func() {
		It("publishes every frame of a session", func() {
			h := newHarness(harnessOptions{})
			ws := h.dial("")
			for _, frame := range sessionScenario {
				Expect(ws.WriteMessage(gorillaws.TextMessage, []byte(frame))).To(Succeed())
			}

			msgs := h.received(6)
			expectScenarioPublished(msgs)

			meaningful := onChannel(msgs, pubsub.ChannelMeaningfulEvents)
			Expect(meaningful).To(HaveLen(2))
			Expect(meaningful[0].Body).To(HaveKeyWithValue("eventType", attention.EventSessionStart))
			Expect(meaningful[1].Body).To(HaveKeyWithValue("eventType", attention.EventSessionEnd))
		})

		It("pushes an alert back when the user gets drowsy", func() {
			h := newHarness(harnessOptions{})
			ws := h.dial("")
			Expect(ws.WriteMessage(gorillaws.TextMessage, []byte(
				`{"sessionId":"S2","eventType":"data","payload":{"ear_left":0.1,"ear_right":0.12}}`,
			))).To(Succeed())

			Expect(ws.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			msgType, alert, err := ws.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(msgType).To(Equal(gorillaws.TextMessage))
			Expect(string(alert)).To(Equal(attention.AlertDrowsy))

			meaningful := onChannel(h.received(2), pubsub.ChannelMeaningfulEvents)
			Expect(meaningful).To(ContainElement(HaveField("Body", HaveKeyWithValue("eventType", attention.EventDrowsinessStarted))))
		})

		It("keeps the connection open after an invalid frame", func() {
			h := newHarness(harnessOptions{})
			ws := h.dial("")
			Expect(ws.WriteMessage(gorillaws.TextMessage, []byte(`{"eventType":"data"}`))).To(Succeed())
			Expect(ws.WriteMessage(gorillaws.TextMessage, []byte(sessionScenario[0]))).To(Succeed())

			session := onChannel(h.received(2), pubsub.ChannelSessionEvents)
			Expect(session).To(HaveLen(1))
		})
	})

	Describe("channel tap", func() {
		It("streams publications for the requested session", func() {
			h := newHarness(harnessOptions{})

			ctx, cancel := context.WithCancel(context.Background())
			DeferCleanup(cancel)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/channels/events?sessionId=S1", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			lines := make(chan string, 64)
			go func() {
				defer GinkgoRecover()
				buf := make([]byte, 4096)
				for {
					n, err := resp.Body.Read(buf)
					if n > 0 {
						lines <- string(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
			Eventually(lines).WithTimeout(5 * time.Second).Should(Receive(ContainSubstring("event: connected")))

			Expect(h.post(`{"sessionId":"other","eventType":"start"}`, "").StatusCode).To(Equal(http.StatusOK))
			Expect(h.post(sessionScenario[0], "").StatusCode).To(Equal(http.StatusOK))

			var stream bytes.Buffer
			Eventually(func() string {
				for {
					select {
					case l := <-lines:
						stream.WriteString(l)
					default:
						return stream.String()
					}
				}
			}).WithTimeout(5 * time.Second).Should(ContainSubstring("event: " + pubsub.ChannelSessionEvents))
			Expect(stream.String()).To(ContainSubstring(`"sessionId":"S1"`))
			Expect(stream.String()).NotTo(ContainSubstring(`"sessionId":"other"`))
		})
	})

	Describe("session archives", func() {
		It("downloads the archive of an ended session", func() {
			h := newHarness(harnessOptions{})
			for _, body := range sessionScenario {
				Expect(h.post(body, "").StatusCode).To(Equal(http.StatusOK))
			}

			var resp *http.Response
			Eventually(func() int {
				r, err := http.Get(h.srv.URL + "/api/sessions/S1/archive")
				Expect(err).NotTo(HaveOccurred())
				if r.StatusCode != http.StatusOK {
					r.Body.Close()
					return r.StatusCode
				}
				resp = r
				return r.StatusCode
			}).WithTimeout(5 * time.Second).Should(Equal(http.StatusOK))
			defer resp.Body.Close()

			Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="S1.jsonl"`))

			var channels []string
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				var line archive.Line
				Expect(json.Unmarshal(scanner.Bytes(), &line)).To(Succeed())
				channels = append(channels, line.Channel)
			}
			Expect(channels).To(Equal([]string{
				pubsub.ChannelSessionEvents, pubsub.ChannelData, pubsub.ChannelData, pubsub.ChannelSessionEvents,
			}))
		})

		It("returns 404 for a session that was never archived", func() {
			h := newHarness(harnessOptions{})

			resp, err := http.Get(h.srv.URL + "/api/sessions/unknown/archive")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			resp, err = http.Get(h.srv.URL + "/api/sessions/S1")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("rejects non-GET methods", func() {
			h := newHarness(harnessOptions{})

			resp, err := http.Post(h.srv.URL+"/api/sessions/S1/archive", "text/plain", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("authentication", func() {
		const secret = "test-secret"

		It("requires a bearer token for ingestion when a secret is set", func() {
			h := newHarness(harnessOptions{secret: secret})

			Expect(h.post(sessionScenario[0], "").StatusCode).To(Equal(http.StatusUnauthorized))

			token, err := auth.NewTokenAuthenticator(secret).Issue("u-from-token", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.post(`{"sessionId":"S3","eventType":"start"}`, token).StatusCode).To(Equal(http.StatusOK))

			session := onChannel(h.received(1), pubsub.ChannelSessionEvents)
			Expect(session).To(HaveLen(1))
			Expect(session[0].Body).To(HaveKeyWithValue("sessionId", "S3"))
		})

		It("rejects WebSocket upgrades without a token", func() {
			h := newHarness(harnessOptions{secret: secret})
			url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
			_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
			Expect(err).To(HaveOccurred())
			Expect(resp).NotTo(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("leaves health endpoints public", func() {
			h := newHarness(harnessOptions{secret: secret})
			resp, err := http.Get(h.srv.URL + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("rate limiting", func() {
		It("answers 429 once the burst is spent", func() {
			h := newHarness(harnessOptions{rateLimit: 0.001, burst: 2})

			Expect(h.post(sessionScenario[0], "").StatusCode).To(Equal(http.StatusOK))
			Expect(h.post(sessionScenario[1], "").StatusCode).To(Equal(http.StatusOK))
			resp := h.post(sessionScenario[2], "")
			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(resp.Header.Get("Retry-After")).NotTo(BeEmpty())
		})
	})
})
