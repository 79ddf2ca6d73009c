// Package telephony holds the carrier-facing adapters: a minimal TwiML
// response builder and phone number normalization. It deliberately avoids
// any provider SDK dependency so responses stay unit-testable as plain XML.
package telephony

import (
	"bytes"
	"encoding/xml"
	"time"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name  `xml:"Gather"`
	Input         string    `xml:"input,attr"`
	Action        string    `xml:"action,attr"`
	Method        string    `xml:"method,attr"`
	Timeout       int       `xml:"timeout,attr,omitempty"`
	SpeechTimeout string    `xml:"speechTimeout,attr,omitempty"`
	Say           *twimlSay `xml:"Say,omitempty"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlStart struct {
	XMLName xml.Name    `xml:"Start"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Track      string       `xml:"track,attr,omitempty"`
	Parameters []twimlParam `xml:"Parameter,omitempty"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Response builds a carrier flow-control document verb by verb. Whatever
// happens internally, the rendered document is always well-formed markup;
// a malformed response would break the live phone call.
type Response struct {
	doc twimlResponse
}

func NewResponse() *Response {
	return &Response{}
}

// Say speaks text to the callee with the carrier's TTS voice.
func (r *Response) Say(text string) *Response {
	r.doc.Verbs = append(r.doc.Verbs, twimlSay{Text: text})
	return r
}

// GatherSpeech speaks text and then listens for speech, posting the
// recognized transcript to action. The timeout bounds how long the carrier
// waits for the callee to start speaking.
func (r *Response) GatherSpeech(action string, timeout time.Duration, say string) *Response {
	g := twimlGather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		Timeout:       int(timeout / time.Second),
		SpeechTimeout: "auto",
	}
	if say != "" {
		g.Say = &twimlSay{Text: say}
	}
	r.doc.Verbs = append(r.doc.Verbs, g)
	return r
}

// Redirect sends the carrier back to url when the preceding verbs fall
// through (e.g. the gather heard nothing).
func (r *Response) Redirect(url string) *Response {
	r.doc.Verbs = append(r.doc.Verbs, twimlRedirect{Method: "POST", URL: url})
	return r
}

// Hangup disconnects the call.
func (r *Response) Hangup() *Response {
	r.doc.Verbs = append(r.doc.Verbs, twimlHangup{})
	return r
}

// StartStream forks both audio tracks of the call to a media-stream
// websocket at url. Start is non-blocking: the verbs after it keep executing
// while the fork relays audio.
func (r *Response) StartStream(url string, params map[string]string) *Response {
	stream := twimlStream{URL: url, Track: "both_tracks"}
	for name, value := range params {
		stream.Parameters = append(stream.Parameters, twimlParam{Name: name, Value: value})
	}
	r.doc.Verbs = append(r.doc.Verbs, twimlStart{Stream: stream})
	return r
}

// Render serializes the response document.
func (r *Response) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r.doc); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
