package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/spectral"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from client
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// the API binds to localhost by default; origin checks belong to the proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SpectrumSummary is a spectrum without its bins
type SpectrumSummary struct {
	FFTSize     int       `json:"fft_size"`
	SampleRate  float64   `json:"sample_rate"`
	CenterFreq  float64   `json:"center_freq"`
	Window      string    `json:"window"`
	PeakFreq    float64   `json:"peak_freq"`
	PeakPowerDB float64   `json:"peak_power_db"`
	TotalPower  float64   `json:"total_power"`
	Frames      uint64    `json:"frames"`
	Time        time.Time `json:"time"`
	ComputedAt  time.Time `json:"computed_at"`
}

func summarize(s *spectral.Spectrum) SpectrumSummary {
	return SpectrumSummary{
		FFTSize:     s.FFTSize,
		SampleRate:  s.SampleRate,
		CenterFreq:  s.CenterFreq,
		Window:      s.Window,
		PeakFreq:    s.PeakFreq,
		PeakPowerDB: s.PeakPowerDB,
		TotalPower:  s.TotalPower,
		Frames:      s.Frames,
		Time:        s.Time,
		ComputedAt:  s.ComputedAt,
	}
}

// latestSpectrum returns the cached spectrum, refreshing it once per
// spectral interval
func (c *Controller) latestSpectrum() *spectral.Spectrum {
	if v, ok := c.spectrumCache.Get(spectrumCacheKey); ok {
		return v.(*spectral.Spectrum)
	}
	s := c.deps.Spectral.Latest()
	if s != nil {
		c.spectrumCache.SetDefault(spectrumCacheKey, s)
	}
	return s
}

// GetSpectrum handles GET /api/v1/spectrum. ?summary=true omits the bins.
func (c *Controller) GetSpectrum(ctx echo.Context) error {
	if c.deps.Spectral == nil {
		return c.HandleError(ctx, nil, "spectral monitor disabled", http.StatusNotFound)
	}
	s := c.latestSpectrum()
	if s == nil {
		return c.HandleError(ctx, nil, "no spectrum computed yet", http.StatusServiceUnavailable)
	}
	if ctx.QueryParam("summary") == "true" {
		return ctx.JSON(http.StatusOK, summarize(s))
	}
	return ctx.JSON(http.StatusOK, s)
}

// StreamSpectrum handles GET /api/v1/spectrum/stream, pushing every new
// spectrum over a websocket until either side goes away.
func (c *Controller) StreamSpectrum(ctx echo.Context) error {
	if c.deps.Spectral == nil {
		return c.HandleError(ctx, nil, "spectral monitor disabled", http.StatusNotFound)
	}
	summary := ctx.QueryParam("summary") == "true"

	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", logger.Error(err))
		return nil
	}
	defer conn.Close()

	updates, cancel := c.deps.Spectral.Subscribe()
	defer cancel()

	clientID := ctx.RealIP()
	c.log.Debug("spectrum stream opened", logger.String("client", clientID))
	defer c.log.Debug("spectrum stream closed", logger.String("client", clientID))

	// reader: handles pongs and notices when the client leaves
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Debug("spectrum stream read error", logger.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return nil
		case <-ctx.Request().Context().Done():
			return nil
		case s, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"))
				return nil
			}
			var werr error
			if summary {
				werr = conn.WriteJSON(summarize(s))
			} else {
				werr = conn.WriteJSON(s)
			}
			if werr != nil {
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
