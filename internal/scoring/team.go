package scoring

import "github.com/pavelanni/skillcheck/internal/model"

// AverageTopicScores averages each topic's score across results.
// A topic only counts results that include it.
func AverageTopicScores(results []model.ResultRecord) map[string]int {
	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, r := range results {
		for topic, s := range r.TopicScores {
			sums[topic] += s
			counts[topic]++
		}
	}
	avg := make(map[string]int, len(sums))
	for topic, sum := range sums {
		avg[topic] = (sum*2 + counts[topic]) / (2 * counts[topic])
	}
	return avg
}
