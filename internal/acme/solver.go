package acme

import (
	"context"

	"github.com/mholt/acmez/v3/acme"
)

// Solver implements acmez.Solver for HTTP-01 challenges by writing
// the key authorization into the ChallengeTable before requesting
// validation, and removing it once the authorization reaches a
// terminal state.
type Solver struct {
	Table *ChallengeTable
}

func (s Solver) Present(_ context.Context, _ string, chal acme.Challenge) error {
	s.Table.Put(chal.Token, chal.KeyAuthorization)
	return nil
}

func (s Solver) CleanUp(_ context.Context, _ string, chal acme.Challenge) error {
	s.Table.Delete(chal.Token)
	return nil
}
