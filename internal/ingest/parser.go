package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"

	"finalarm/internal/normalize"
)

var reKV = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)

var errUnrecognized = errors.New("unrecognized statement line")

// Record is one parsed statement line: either a transaction or a balance.
type Record struct {
	Transaction *normalize.TransactionFields
	Balance     *normalize.BalanceFields
}

// Parser reads statement lines as JSON objects, CSV rows or key=value pairs.
// A CSV header row is remembered for the rows that follow it.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*Record, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		rec, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		setRaw(rec, line)
		return rec, nil
	}
	if strings.Contains(trim, "=") {
		rec, err := parsePlain(trim)
		if err != nil {
			return nil, err
		}
		setRaw(rec, line)
		return rec, nil
	}
	if strings.Contains(trim, ",") {
		rec, err := p.csv.Parse(trim)
		if err != nil || rec == nil {
			return nil, err
		}
		setRaw(rec, line)
		return rec, nil
	}
	return nil, errUnrecognized
}

func setRaw(rec *Record, line string) {
	if rec.Transaction != nil {
		rec.Transaction.Raw = line
	}
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*Record, error) {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	if len(kv) == 0 {
		return nil, errUnrecognized
	}
	if _, ok := kv["balance"]; ok {
		return &Record{Balance: balanceFields(kv["balance"], firstNonEmpty(kv, "as_of", "asof", "timestamp"))}, nil
	}
	fields := ParseTransactionMap(kv)
	if fields.Timestamp == "" {
		fields.Timestamp = leadingTimestamp(line)
	}
	return &Record{Transaction: fields}, nil
}

var reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}(?:[ T][0-9:.]+(?:Z|[+-][0-9:]+)?)?)`)

func leadingTimestamp(line string) string {
	m := reTimestamp.FindStringSubmatch(line)
	if len(m) >= 2 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// Without a header, CSV columns are id, timestamp, amount, merchant, category.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*Record, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	kv := map[string]string{}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			kv[name] = strings.TrimSpace(record[i])
		}
	} else {
		positional := []string{"id", "timestamp", "amount", "merchant", "category"}
		for i, name := range positional {
			if i < len(record) {
				kv[name] = strings.TrimSpace(record[i])
			}
		}
	}
	return &Record{Transaction: ParseTransactionMap(kv)}, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "id", "transaction_id", "transactionid", "timestamp", "date", "amount", "merchant", "description", "category", "type":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
