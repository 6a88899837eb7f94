package personalize

// signalKey indexes the signal_based lookup library by industry and the
// strongest detected signal on a recipient.
type signalKey struct {
	industry string
	signal   string
}

type signalEntry struct {
	opener      string
	pain        string
	credibility string
}

type signalLibrary map[signalKey]signalEntry

// defaultSignalLibrary is a small fixed table of deterministic copy,
// keyed by industry and signal. The zero-value key ("", "") is the
// fallback entry used whenever no more specific combination matches.
func defaultSignalLibrary() signalLibrary {
	return signalLibrary{
		{industry: "", signal: ""}: {
			opener:      "I noticed your team has been growing and wanted to reach out.",
			pain:        "teams like yours often struggle to keep outreach consistent at scale",
			credibility: "we've helped similar teams streamline this exact workflow",
		},
		{industry: "logistics", signal: "job_postings"}: {
			opener:      "Saw you're hiring across your logistics team right now.",
			pain:        "scaling headcount usually means onboarding and routing bottlenecks pile up fast",
			credibility: "we've worked with logistics operators going through the same growth curve",
		},
		{industry: "manufacturing", signal: "equipment_signals"}: {
			opener:      "Noticed some of your production line equipment is due for a refresh cycle.",
			pain:        "aging equipment quietly erodes throughput long before it fails outright",
			credibility: "we've helped manufacturers plan equipment refreshes without halting lines",
		},
		{industry: "", signal: "high_intent"}: {
			opener:      "Saw some recent activity on your end that suggested this might be timely.",
			pain:        "the right moment to act on this usually passes faster than expected",
			credibility: "we've seen this pattern play out well for teams who moved early",
		},
	}
}
