package binance

import (
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const venueName = "binance"

type environment struct {
	restBaseURL string
	wsBaseURL   string
}

var (
	production = environment{
		restBaseURL: "https://api.binance.com",
		wsBaseURL:   "wss://stream.binance.com:9443/ws",
	}
	testnet = environment{
		restBaseURL: "https://testnet.binance.vision",
		wsBaseURL:   "wss://testnet.binance.vision/ws",
	}
)

const (
	exchangeInfoPath    = "/api/v3/exchangeInfo"
	accountPath         = "/api/v3/account"
	userAssetPath       = "/sapi/v3/asset/getUserAsset"
	orderPath           = "/api/v3/order"
	openOrdersPath      = "/api/v3/openOrders"
	userDataStreamPath  = "/api/v3/userDataStream"
	defaultHTTPTimeout  = 10 * time.Second
	defaultRecvWindow   = 5 * time.Second
	defaultRequestRate  = 10
	defaultRequestBurst = 5
	errorBodyLimit      = 4 << 10
)

// Config captures operator-supplied venue settings.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// RESTBaseURL and WSBaseURL override the environment defaults, mostly for tests.
	RESTBaseURL       string
	WSBaseURL         string
	HTTPTimeout       time.Duration
	RecvWindow        time.Duration
	RequestsPerSecond float64
	RequestBurst      int
}

// Options configure a Client.
type Options struct {
	Config     Config
	HTTPClient *http.Client
	Logger     *log.Logger
	Clock      func() time.Time
}

func withDefaults(in Options) Options {
	env := production
	if in.Config.Testnet {
		env = testnet
	}
	if strings.TrimSpace(in.Config.RESTBaseURL) == "" {
		in.Config.RESTBaseURL = env.restBaseURL
	}
	if strings.TrimSpace(in.Config.WSBaseURL) == "" {
		in.Config.WSBaseURL = env.wsBaseURL
	}
	in.Config.RESTBaseURL = strings.TrimSuffix(strings.TrimSpace(in.Config.RESTBaseURL), "/")
	in.Config.WSBaseURL = strings.TrimSuffix(strings.TrimSpace(in.Config.WSBaseURL), "/")
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.RecvWindow <= 0 {
		in.Config.RecvWindow = defaultRecvWindow
	}
	if in.Config.RequestsPerSecond <= 0 {
		in.Config.RequestsPerSecond = defaultRequestRate
	}
	if in.Config.RequestBurst <= 0 {
		in.Config.RequestBurst = defaultRequestBurst
	}
	if in.HTTPClient == nil {
		in.HTTPClient = &http.Client{Timeout: in.Config.HTTPTimeout}
	}
	if in.Logger == nil {
		in.Logger = log.New(io.Discard, "", 0)
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	if strings.HasPrefix(path, "/") {
		return o.Config.RESTBaseURL + path
	}
	return o.Config.RESTBaseURL + "/" + path
}

// StreamBaseURL returns the raw-stream websocket base, e.g. wss://stream.binance.com:9443/ws.
func (o Options) StreamBaseURL() string {
	return o.Config.WSBaseURL
}
