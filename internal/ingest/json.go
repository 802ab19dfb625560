package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"finalarm/internal/normalize"
)

func ParseJSONBytes(data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap reads a balance report when the object carries a balance
// key, and a transaction otherwise.
func ParseJSONMap(obj map[string]interface{}) *Record {
	extras := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	if _, ok := extras["balance"]; ok {
		return &Record{Balance: balanceFields(extras["balance"], firstNonEmpty(extras, "as_of", "asof", "timestamp"))}
	}
	return &Record{Transaction: ParseTransactionMap(extras)}
}

func ParseTransactionMap(extras map[string]string) *normalize.TransactionFields {
	fields := &normalize.TransactionFields{Extras: extras}
	fields.ID = firstNonEmpty(extras, "id", "transaction_id", "transactionid")
	fields.Timestamp = firstNonEmpty(extras, "timestamp", "date", "transactiondate", "transaction_date", "posteddate")
	fields.Amount = firstNonEmpty(extras, "amount")
	fields.Merchant = firstNonEmpty(extras, "merchant")
	fields.Description = firstNonEmpty(extras, "description", "reference")
	fields.Category = firstNonEmpty(extras, "category")
	fields.Type = firstNonEmpty(extras, "type", "transactiontype", "transaction_type")
	return fields
}

func balanceFields(balance, asOf string) *normalize.BalanceFields {
	return &normalize.BalanceFields{Balance: balance, AsOf: asOf}
}
