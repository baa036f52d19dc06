package soapgw

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	envNS11 = "http://schemas.xmlsoap.org/soap/envelope/"
	envNS12 = "http://www.w3.org/2003/05/soap-envelope"
)

// param is one operation parameter; order matters to the portal.
type param struct {
	name  string
	value string
}

// buildEnvelope renders a request envelope for one operation.
func buildEnvelope(version, operation string, params []param) []byte {
	envNS := envNS11
	if version == "1.2" {
		envNS = envNS12
	}

	var b bytes.Buffer
	b.WriteString(xml.Header)
	fmt.Fprintf(&b, `<soap:Envelope xmlns:soap=%q><soap:Body>`, envNS)
	fmt.Fprintf(&b, `<%s xmlns=%q>`, operation, Namespace)
	for _, p := range params {
		fmt.Fprintf(&b, "<%s>", p.name)
		xml.EscapeText(&b, []byte(p.value))
		fmt.Fprintf(&b, "</%s>", p.name)
	}
	fmt.Fprintf(&b, `</%s></soap:Body></soap:Envelope>`, operation)
	return b.Bytes()
}

// contentType returns the request media type for the configured dialect.
// SOAP 1.2 carries the action in the media type instead of a SOAPAction
// header.
func contentType(version, operation string) string {
	if version == "1.2" {
		return fmt.Sprintf(`application/soap+xml; charset=utf-8; action=%q`, Namespace+operation)
	}
	return "text/xml; charset=utf-8"
}

// parseEnvelope walks a response envelope and collects the text of the
// wanted elements by local name. SOAP faults surface as errors.
func parseEnvelope(body io.Reader, wanted ...string) (map[string]string, error) {
	want := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		want[w] = true
	}

	out := make(map[string]string)
	dec := xml.NewDecoder(body)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("soap response: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		local := se.Name.Local
		if local == "Fault" {
			var f struct {
				FaultString string `xml:"faultstring"`
				Reason      struct {
					Text string `xml:"Text"`
				} `xml:"Reason"`
			}
			if err := dec.DecodeElement(&f, &se); err != nil {
				return nil, fmt.Errorf("soap fault: %w", err)
			}
			msg := f.FaultString
			if msg == "" {
				msg = f.Reason.Text
			}
			return nil, fmt.Errorf("soap fault: %s", msg)
		}
		if want[local] {
			var text string
			if err := dec.DecodeElement(&text, &se); err != nil {
				return nil, fmt.Errorf("soap element %s: %w", local, err)
			}
			out[local] = strings.TrimSpace(text)
		}
	}
	return out, nil
}

// resultCode pulls the integer result out of a parsed response.
func resultCode(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, fmt.Errorf("soap response missing %s", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("soap result %s=%q: %w", name, raw, err)
	}
	return n, nil
}

// fileList is the decoded shape of the portal's transaction list payload.
type fileList struct {
	Files []struct {
		FileID          string `xml:"FileID"`
		FileName        string `xml:"FileName"`
		SenderID        string `xml:"SenderID"`
		ReceiverID      string `xml:"ReceiverID"`
		TransactionDate string `xml:"TransactionDate"`
		RecordCount     int    `xml:"RecordCount"`
	} `xml:"File"`
}

// parseFileList decodes the inner XML list of pending transactions.
func parseFileList(raw []byte) ([]TransactionFile, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var list fileList
	if err := xml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("transaction list: %w", err)
	}
	out := make([]TransactionFile, 0, len(list.Files))
	for _, f := range list.Files {
		out = append(out, TransactionFile(f))
	}
	return out, nil
}
