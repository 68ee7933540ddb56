package memory

import (
	"testing"

	"alcyxob/runplan/internal/repository"
	"alcyxob/runplan/internal/repository/repotest"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) (repository.IntakeRepository, repository.ChunkRepository) {
		s := NewStore()
		return s.Intakes(), s.Chunks()
	})
}
