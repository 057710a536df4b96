package chat

import "testing"

func TestCitedIndexes(t *testing.T) {
	answer := "Le bail dure neuf ans [Document 1]. Le loyer est trimestriel [Document 2] " +
		"et révisable [Document 1]. Voir aussi [Document 7]."

	valid, invalid := citedIndexes(answer, 3)
	if !valid[1] || !valid[2] {
		t.Errorf("valid = %v, want 1 and 2", valid)
	}
	if valid[3] {
		t.Error("source 3 marked cited without a reference")
	}
	if invalid != 1 {
		t.Errorf("invalid = %d, want 1 for [Document 7]", invalid)
	}
}

func TestCitedIndexesNoCitations(t *testing.T) {
	valid, invalid := citedIndexes("Réponse sans la moindre référence.", 2)
	if len(valid) != 0 || invalid != 0 {
		t.Errorf("valid = %v, invalid = %d", valid, invalid)
	}
}

func TestMarkCitations(t *testing.T) {
	sources := []Source{{Title: "bail.pdf"}, {Title: "annexe.pdf"}}
	dangling := markCitations(sources, "Durée de neuf ans [Document 2]. Source inconnue [Document 5].")

	if sources[0].Cited {
		t.Error("uncited source marked")
	}
	if !sources[1].Cited {
		t.Error("cited source not marked")
	}
	if dangling != 1 {
		t.Errorf("dangling = %d, want 1", dangling)
	}
}
