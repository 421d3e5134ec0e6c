package analysis

import (
	"fmt"

	"signalhub-go/internal/types"
)

// Insight aggregates analyses across a batch of calls.
type Insight struct {
	Calls          int                `json:"calls"`
	IntentCounts   map[string]int     `json:"intent_counts"`
	SentimentShare map[string]float64 `json:"sentiment_share"`
	HighRiskRate   float64            `json:"high_risk_rate"`
	TopKeywords    []string           `json:"top_keywords"`
}

func Aggregate(items []types.Analysis) Insight {
	ins := Insight{
		Calls:          len(items),
		IntentCounts:   map[string]int{},
		SentimentShare: map[string]float64{},
	}
	if len(items) == 0 {
		return ins
	}
	sentiments := map[string]int{}
	var highRisk int
	var allKeywords []string
	for _, a := range items {
		if a.Intent != "" {
			ins.IntentCounts[a.Intent]++
		}
		if a.Sentiment != "" {
			sentiments[a.Sentiment]++
		}
		if a.RiskLevel == "high" {
			highRisk++
		}
		allKeywords = append(allKeywords, a.Keywords...)
	}
	for k, n := range sentiments {
		ins.SentimentShare[k] = float64(n) / float64(len(items))
	}
	ins.HighRiskRate = float64(highRisk) / float64(len(items))
	ins.TopKeywords = keywords(allKeywords)
	return ins
}

type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// Recommend turns an Insight into one next step for the support team.
func Recommend(ins Insight) ActionCard {
	if ins.Calls > 0 && ins.HighRiskRate >= 0.35 {
		return ActionCard{
			Insight: fmt.Sprintf("High escalation risk in %.0f%% of calls", ins.HighRiskRate*100),
			Action:  "Route high-risk calls to senior agents; review refund and cancellation scripts",
			Impact:  "Reduce repeat escalations and churn",
		}
	}
	if neg := ins.SentimentShare["negative"]; ins.Calls > 0 && neg >= 0.5 {
		return ActionCard{
			Insight: fmt.Sprintf("Negative sentiment in %.0f%% of calls", neg*100),
			Action:  "Sample negative calls for coaching; check top keywords for a shared root cause",
			Impact:  "Improve customer satisfaction",
		}
	}
	return ActionCard{
		Insight: "No strong risk pattern detected",
		Action:  "Monitor and collect more data",
		Impact:  "Low immediate intervention",
	}
}
