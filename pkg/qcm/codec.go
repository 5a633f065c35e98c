package qcm

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Line protocol, one message per '\n' terminated line:
//
//	host -> device:  alp://cust/<tag>?id=<n>&<key>=<value>...
//	device -> host:  alp://rply/ok?id=<n>&<key>=<value>...
//	                 alp://rply/ko?id=<n>
//	                 alp://cevnt/<message>
const (
	requestPrefix = "alp://cust/"
	replyPrefix   = "alp://rply/"
	eventPrefix   = "alp://cevnt/"

	idKey    = "id"
	statusOK = "ok"
	statusKO = "ko"
)

// ErrMalformedLine is returned for a line that does not follow the line protocol.
var ErrMalformedLine = errors.New("malformed line")

// Request is a custom message sent to a device.
type Request struct {
	Tag    string
	ID     uint64
	Params map[string]string
}

// EncodeRequest renders a request line without the trailing newline.
func EncodeRequest(req Request) string {
	var b strings.Builder
	b.WriteString(requestPrefix)
	b.WriteString(url.PathEscape(req.Tag))
	b.WriteString("?")
	writeQuery(&b, req.ID, req.Params)
	return b.String()
}

// DecodeRequest parses a request line.
func DecodeRequest(line string) (Request, error) {
	rest, ok := strings.CutPrefix(line, requestPrefix)
	if !ok {
		return Request{}, fmt.Errorf("%w: not a request: %q", ErrMalformedLine, line)
	}
	rawTag, rawQuery, _ := strings.Cut(rest, "?")
	tag, err := url.PathUnescape(rawTag)
	if err != nil || tag == "" {
		return Request{}, fmt.Errorf("%w: invalid tag %q", ErrMalformedLine, rawTag)
	}
	id, params, err := parseQuery(rawQuery)
	if err != nil {
		return Request{}, err
	}
	return Request{Tag: tag, ID: id, Params: params}, nil
}

// EncodeReply renders a reply line without the trailing newline.
func EncodeReply(r Reply) string {
	var b strings.Builder
	b.WriteString(replyPrefix)
	if r.OK {
		b.WriteString(statusOK)
	} else {
		b.WriteString(statusKO)
	}
	b.WriteString("?")
	writeQuery(&b, r.ID, r.Params)
	return b.String()
}

// EncodeEvent renders an unsolicited event line without the trailing newline.
func EncodeEvent(message string) string {
	return eventPrefix + message
}

// DecodeLine parses a device to host line.
func DecodeLine(line string) (CustomEvent, error) {
	if message, ok := strings.CutPrefix(line, eventPrefix); ok {
		return CustomEvent{Message: message}, nil
	}

	rest, ok := strings.CutPrefix(line, replyPrefix)
	if !ok {
		return CustomEvent{}, fmt.Errorf("%w: unknown message %q", ErrMalformedLine, line)
	}

	status, rawQuery, _ := strings.Cut(rest, "?")
	var okStatus bool
	switch status {
	case statusOK:
		okStatus = true
	case statusKO:
		okStatus = false
	default:
		return CustomEvent{}, fmt.Errorf("%w: invalid reply status %q", ErrMalformedLine, status)
	}

	id, params, err := parseQuery(rawQuery)
	if err != nil {
		return CustomEvent{}, err
	}

	return CustomEvent{
		Message: line,
		Reply: &Reply{
			ID:     id,
			OK:     okStatus,
			Params: params,
		},
	}, nil
}

func writeQuery(b *strings.Builder, id uint64, params map[string]string) {
	b.WriteString(idKey)
	b.WriteString("=")
	b.WriteString(strconv.FormatUint(id, 10))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(url.QueryEscape(k))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(params[k]))
	}
}

func parseQuery(rawQuery string) (uint64, map[string]string, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	rawID := values.Get(idKey)
	if rawID == "" {
		return 0, nil, fmt.Errorf("%w: missing %s", ErrMalformedLine, idKey)
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: invalid %s %q", ErrMalformedLine, idKey, rawID)
	}

	params := make(map[string]string, len(values)-1)
	for k, v := range values {
		if k == idKey || len(v) == 0 {
			continue
		}
		params[k] = v[0]
	}
	return id, params, nil
}
