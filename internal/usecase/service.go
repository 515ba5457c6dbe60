package usecase

import (
	"otp-dispatcher/internal/data/repository"
	"otp-dispatcher/pkg/mailer"
	"otp-dispatcher/pkg/utils"

	"go.uber.org/zap"
)

type Service struct {
	Dispatch DispatchService
}

func NewService(repo *repository.Repository, m mailer.Mailer, config *utils.Config, log *zap.Logger) *Service {
	return &Service{
		Dispatch: NewDispatchService(repo, m, DispatchOptionsFromConfig(config.App.Name, config.Dispatch), log),
	}
}
