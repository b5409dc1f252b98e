package trust

// Rank is a discrete tier derived from a trust score.
type Rank string

const (
	RankRookie    Rank = "rookie"
	RankVeteran   Rank = "veteran"
	RankElite     Rank = "elite"
	RankMaster    Rank = "master"
	RankLegendary Rank = "legendary"

	RankDeveloping  Rank = "developing"
	RankEstablished Rank = "established"
)

// Threshold pairs a minimum score with the rank it unlocks.
type Threshold struct {
	Min  int
	Rank Rank
}

// Ladder is a fixed, descending set of thresholds plus the floor rank used
// below the lowest threshold.
type Ladder struct {
	Thresholds []Threshold
	Floor      Rank
}

var (
	// UserLadder ranks individual users.
	UserLadder = Ladder{
		Thresholds: []Threshold{
			{Min: 900, Rank: RankLegendary},
			{Min: 750, Rank: RankMaster},
			{Min: 600, Rank: RankElite},
			{Min: 400, Rank: RankVeteran},
		},
		Floor: RankRookie,
	}

	// GuildLadder ranks guilds.
	GuildLadder = Ladder{
		Thresholds: []Threshold{
			{Min: 900, Rank: RankLegendary},
			{Min: 750, Rank: RankElite},
			{Min: 600, Rank: RankVeteran},
			{Min: 400, Rank: RankEstablished},
		},
		Floor: RankDeveloping,
	}
)

// Classify returns the first rank whose threshold score meets or exceeds.
// thresholds must be sorted from highest to lowest.
func Classify(score int, thresholds []Threshold, floor Rank) Rank {
	for _, t := range thresholds {
		if score >= t.Min {
			return t.Rank
		}
	}
	return floor
}

// Classify applies the ladder to score.
func (l Ladder) Classify(score int) Rank {
	return Classify(score, l.Thresholds, l.Floor)
}

// Ordinal returns the position of r on the ladder, 0 being the floor. Ranks
// that are not on the ladder return -1.
func (l Ladder) Ordinal(r Rank) int {
	if r == l.Floor {
		return 0
	}
	n := len(l.Thresholds)
	for i, t := range l.Thresholds {
		if t.Rank == r {
			return n - i
		}
	}
	return -1
}

// Transition describes how a rank moved.
type Transition string

const (
	Promoted  Transition = "promoted"
	Demoted   Transition = "demoted"
	Unchanged Transition = "unchanged"
)

// DetectTransition compares rank ordinals on the ladder.
func DetectTransition(l Ladder, oldRank, newRank Rank) Transition {
	before, after := l.Ordinal(oldRank), l.Ordinal(newRank)
	switch {
	case after > before:
		return Promoted
	case after < before:
		return Demoted
	default:
		return Unchanged
	}
}
