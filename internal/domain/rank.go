package domain

// rankThreshold maps a minimum XP amount to the title earned at that
// amount. Ordered ascending; RankFor scans for the last threshold at or
// below the XP.
type rankThreshold struct {
	MinXP int
	Title string
}

var rankTable = []rankThreshold{
	{0, "Novato"},
	{101, "Aprendiz"},
	{201, "Iniciante"},
	{301, "Recruta"},
	{401, "Principiante"},
	{601, "Observador"},
	{801, "Vigia"},
	{1001, "Aspirante"},
	{1301, "Cadete"},
	{1601, "Sentinela"},
	{2001, "Patrulheiro"},
	{2601, "Agente"},
	{3201, "Defensor"},
	{3801, "Escudeiro"},
	{4601, "Experiente"},
	{5501, "Protetor"},
	{6501, "Guardião Júnior"},
	{7801, "Cavaleiro"},
	{9001, "Profissional"},
	{10501, "Vanguarda"},
	{12001, "Veterano"},
	{14501, "Elite"},
	{17001, "Mestre de Campo"},
	{20001, "Estrategista"},
	{23501, "Guardião Mestre"},
	{27001, "Comandante"},
	{31001, "Chefe de Patrulha"},
	{35501, "Protetor Supremo"},
	{40001, "General da Guarda"},
	{45501, "Guardião de Ferro"},
	{51001, "Guardião de Aço"},
	{57501, "Guardião Lendário"},
	{64001, "Guardião Épico"},
	{71001, "Guardião Real"},
	{78501, "Guardião Ancião"},
	{86001, "Guardião Supremo"},
	{94001, "Guardião Sagrado"},
	{102001, "Guardião Imortal"},
	{110001, "Guardião Celestial"},
	{118001, "Guardião das Sombras"},
	{126001, "Guardião da Luz"},
	{134501, "Guardião Cósmico"},
	{143001, "Guardião Estelar"},
	{152001, "Guardião Dimensional"},
	{161501, "Guardião Supremo de Elite"},
	{171001, "Guardião da Eternidade"},
	{181001, "Guardião Infinito"},
	{191001, "Guardião Divino"},
	{200001, "Guardião Absoluto"},
	{225001, "Guardião Eterno"},
}

// RankFor returns the experience title for the given XP amount.
func RankFor(xp int) string {
	title := rankTable[0].Title
	for _, r := range rankTable {
		if xp >= r.MinXP {
			title = r.Title
		} else {
			break
		}
	}
	return title
}

// RankProgress reports how far into the current rank the XP sits: XP
// accumulated inside the rank, XP the rank spans, and the completion
// percentage. The top rank always reports 100%.
func RankProgress(xp int) (inRank, span int, pct float64) {
	idx := 0
	for i, r := range rankTable {
		if xp >= r.MinXP {
			idx = i
		} else {
			break
		}
	}
	if idx == len(rankTable)-1 {
		return xp - rankTable[idx].MinXP, 0, 100
	}
	curMin := rankTable[idx].MinXP
	nextMin := rankTable[idx+1].MinXP
	inRank = xp - curMin
	span = nextMin - curMin
	pct = float64(inRank) / float64(span) * 100
	return inRank, span, pct
}

// PointsToXP converts service points to experience at the fixed 1:2 rate.
func PointsToXP(points int) int { return points * 2 }
