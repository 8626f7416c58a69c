package plan

import (
	"strconv"
	"time"
)

// requestContext mirrors the client context a desktop browser sends with
// every discussion request. Only the "dt" ad signal varies between requests.
type requestContext struct {
	Client        clientInfo    `json:"client"`
	User          userInfo      `json:"user"`
	Request       requestInfo   `json:"request"`
	ClickTracking struct{}      `json:"clickTracking"`
	AdSignalsInfo adSignalsInfo `json:"adSignalsInfo"`
}

type clientInfo struct {
	HL                 string         `json:"hl"`
	GL                 string         `json:"gl"`
	DeviceMake         string         `json:"deviceMake"`
	DeviceModel        string         `json:"deviceModel"`
	UserAgent          string         `json:"userAgent"`
	ClientName         string         `json:"clientName"`
	ClientVersion      string         `json:"clientVersion"`
	OSName             string         `json:"osName"`
	OSVersion          string         `json:"osVersion"`
	ScreenPixelDensity int            `json:"screenPixelDensity"`
	Platform           string         `json:"platform"`
	ClientFormFactor   string         `json:"clientFormFactor"`
	ScreenDensityFloat int            `json:"screenDensityFloat"`
	UserInterfaceTheme string         `json:"userInterfaceTheme"`
	TimeZone           string         `json:"timeZone"`
	BrowserName        string         `json:"browserName"`
	BrowserVersion     string         `json:"browserVersion"`
	ScreenWidthPoints  int            `json:"screenWidthPoints"`
	ScreenHeightPoints int            `json:"screenHeightPoints"`
	UTCOffsetMinutes   int            `json:"utcOffsetMinutes"`
	MainAppWebInfo     mainAppWebInfo `json:"mainAppWebInfo"`
}

type mainAppWebInfo struct {
	WebDisplayMode            string `json:"webDisplayMode"`
	IsWebNativeShareAvailable bool   `json:"isWebNativeShareAvailable"`
}

type userInfo struct {
	LockedSafetyMode bool `json:"lockedSafetyMode"`
}

type requestInfo struct {
	UseSSL                  bool     `json:"useSsl"`
	InternalExperimentFlags struct{} `json:"internalExperimentFlags"`
	ConsistencyTokenJars    struct{} `json:"consistencyTokenJars"`
}

type adSignalsInfo struct {
	Params []adSignal `json:"params"`
}

type adSignal struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// fixedAdSignals follow the "dt" timestamp in every request.
var fixedAdSignals = []adSignal{
	{Key: "flash", Value: "0"},
	{Key: "frm", Value: "0"},
	{Key: "u_tz", Value: "0"},
	{Key: "u_his", Value: "4"},
	{Key: "u_java", Value: "false"},
	{Key: "u_h", Value: "1080"},
	{Key: "u_w", Value: "1920"},
	{Key: "u_ah", Value: "1040"},
	{Key: "u_aw", Value: "1920"},
	{Key: "u_cd", Value: "24"},
	{Key: "u_nplug", Value: "0"},
	{Key: "u_nmime", Value: "0"},
	{Key: "bc", Value: "31"},
	{Key: "bih", Value: "1080"},
	{Key: "biw", Value: "1903"},
	{Key: "brdim", Value: "-8,-8,-8,-8,1920,0,1936,1056,1920,1080"},
	{Key: "vis", Value: "1"},
	{Key: "wgl", Value: "true"},
	{Key: "ca_type", Value: "image"},
}

func newRequestContext(userAgent, clientVersion string, now time.Time) requestContext {
	params := make([]adSignal, 0, len(fixedAdSignals)+1)
	params = append(params, adSignal{Key: "dt", Value: strconv.FormatInt(now.UnixMilli(), 10)})
	params = append(params, fixedAdSignals...)

	return requestContext{
		Client: clientInfo{
			HL:                 "en",
			GL:                 "US",
			UserAgent:          userAgent + ",gzip(gfe)",
			ClientName:         "WEB",
			ClientVersion:      clientVersion,
			OSName:             "Windows",
			OSVersion:          "10.0",
			ScreenPixelDensity: 1,
			Platform:           "DESKTOP",
			ClientFormFactor:   "UNKNOWN_FORM_FACTOR",
			ScreenDensityFloat: 1,
			UserInterfaceTheme: "USER_INTERFACE_THEME_LIGHT",
			TimeZone:           "UTC",
			BrowserName:        "Firefox",
			BrowserVersion:     "93.0",
			ScreenWidthPoints:  1920,
			ScreenHeightPoints: 1080,
			MainAppWebInfo: mainAppWebInfo{
				WebDisplayMode: "WEB_DISPLAY_MODE_BROWSER",
			},
		},
		Request:       requestInfo{UseSSL: true},
		AdSignalsInfo: adSignalsInfo{Params: params},
	}
}
