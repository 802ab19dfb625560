package normalize

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type CategoryKeywords struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// Categorizer assigns a category by keyword match on the description and
// merchant. Entries are checked in order and the first hit wins.
type Categorizer struct {
	table    []CategoryKeywords
	fallback string
}

func DefaultCategories() []CategoryKeywords {
	return []CategoryKeywords{
		{Category: "Groceries", Keywords: []string{"woolworths", "checkers", "pick n pay", "spar", "shoprite", "makro"}},
		{Category: "Restaurants", Keywords: []string{"restaurant", "nando", "steers", "kfc", "mcdonald", "burger king", "ocean basket"}},
		{Category: "Fast Food", Keywords: []string{"uber eats", "mr delivery", "pizza", "debonairs"}},
		{Category: "Transport", Keywords: []string{"uber", "bolt", "shell", "engen", "bp", "caltex", "fuel"}},
		{Category: "Entertainment", Keywords: []string{"netflix", "showmax", "dstv", "spotify", "apple music", "cinema"}},
		{Category: "Shopping", Keywords: []string{"takealot", "game", "incredible connection", "edgars", "truworths"}},
		{Category: "Utilities", Keywords: []string{"electricity", "water", "municipal", "city of"}},
		{Category: "Telecommunications", Keywords: []string{"vodacom", "mtn", "cell c", "telkom", "rain"}},
		{Category: "Health", Keywords: []string{"pharmacy", "clicks", "dis-chem", "doctor", "hospital"}},
		{Category: "Travel", Keywords: []string{"airbnb", "booking.com", "flight", "airline"}},
		{Category: "Salary", Keywords: []string{"salary", "wages", "payroll"}},
		{Category: "Transfer", Keywords: []string{"transfer", "payment received", "ft "}},
		{Category: "Income", Keywords: []string{"refund", "deposit", "credit"}},
	}
}

func NewCategorizer(table []CategoryKeywords) *Categorizer {
	c := &Categorizer{fallback: "Other"}
	for _, entry := range table {
		name := strings.TrimSpace(entry.Category)
		if name == "" {
			continue
		}
		kws := make([]string, 0, len(entry.Keywords))
		for _, kw := range entry.Keywords {
			if kw = strings.ToLower(kw); strings.TrimSpace(kw) != "" {
				kws = append(kws, kw)
			}
		}
		c.table = append(c.table, CategoryKeywords{Category: name, Keywords: kws})
	}
	return c
}

// LoadCategorizer reads a YAML list of {category, keywords}. An empty path
// gives the built-in table.
func LoadCategorizer(path string) (*Categorizer, error) {
	if strings.TrimSpace(path) == "" {
		return NewCategorizer(DefaultCategories()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table []CategoryKeywords
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("categories %s: %w", path, err)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("categories %s: no entries", path)
	}
	return NewCategorizer(table), nil
}

func (c *Categorizer) Categorize(description, merchant string) string {
	combined := strings.ToLower(description) + " " + strings.ToLower(merchant)
	for _, entry := range c.table {
		for _, kw := range entry.Keywords {
			if strings.Contains(combined, kw) {
				return entry.Category
			}
		}
	}
	return c.fallback
}
