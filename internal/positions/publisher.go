package positions

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"shuttle-eta/internal/geo"
)

// PublisherMetrics is implemented by the metrics collector; nil disables it.
type PublisherMetrics interface {
	PositionPublishedInc()
	PositionPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Publisher pushes driver position samples onto the shared position
// subjects. One instance serves all buses; each publish targets
// "<prefix>.<busID>".
type Publisher struct {
	nc            *nats.Conn
	subjectPrefix string
	metrics       PublisherMetrics
}

// Connect dials NATS with reconnect handlers wired into the metrics gauge.
func Connect(url, name string, m PublisherMetrics) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

func NewPublisher(nc *nats.Conn, subjectPrefix string, m PublisherMetrics) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = "drivers"
	}
	return &Publisher{nc: nc, subjectPrefix: subjectPrefix, metrics: m}
}

// Publish validates and sends one sample for busID.
func (p *Publisher) Publish(busID string, pt geo.Point, observedAt time.Time) error {
	norm, err := pt.Normalize()
	if err != nil {
		return err
	}
	w := wireSample{
		Latitude:  norm.Lat,
		Longitude: norm.Lng,
		Timestamp: observedAt.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, subjectToken(busID))
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.PositionPublishErrInc()
		} else {
			p.metrics.PositionPublishedInc()
		}
	}
	return err
}

func fromWire(busID string, w wireSample) (BusPosition, bool) {
	pt, err := geo.Point{Lat: w.Latitude, Lng: w.Longitude}.Normalize()
	if err != nil {
		return BusPosition{}, false
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		ts = time.Time{} // tolerated; age filtering just skips it
	}
	return BusPosition{BusID: busID, Point: pt, ObservedAt: ts}, true
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
