package service

import (
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailer-service/internal/auth"
	"mailer-service/internal/delivery"
)

// ServiceDeps are the collaborators shared by all services.
type ServiceDeps struct {
	Users         UserStore
	Emails        EmailStore
	Templates     TemplateStore
	TemplateCache TemplateCache
	Tokens        TokenStore
	Queue         QueueStore
	Hasher        PasswordHasher
	Issuer        *auth.TokenIssuer
	Storage       ObjectStorage
	AccessToken   AccessTokens
	Sender        delivery.Sender
	Dispatcher    delivery.Dispatcher
	Searcher      EmailSearcher
	OAuth         *oauth2.Config
	UserInfoURL   string
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   ServiceDeps
	logger *zap.Logger

	userService     *UserService
	authService     *AuthService
	oauthService    *OAuthService
	templateService *TemplateService
	emailService    *EmailService
	queueService    *QueueService
}

func NewServiceFactory(deps ServiceDeps, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{deps: deps, logger: logger}
}

func (f *ServiceFactory) UserService() *UserService {
	if f.userService == nil {
		f.userService = NewUserService(f.deps.Users, f.deps.Hasher, f.deps.Storage, f.logger)
	}
	return f.userService
}

func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(f.deps.Users, f.deps.Hasher, f.deps.Issuer, f.logger)
	}
	return f.authService
}

func (f *ServiceFactory) OAuthService() *OAuthService {
	if f.oauthService == nil {
		f.oauthService = NewOAuthService(f.deps.OAuth, f.deps.UserInfoURL, f.deps.Users, f.deps.Tokens, f.logger)
	}
	return f.oauthService
}

func (f *ServiceFactory) TemplateService() *TemplateService {
	if f.templateService == nil {
		f.templateService = NewTemplateService(f.deps.Templates, f.deps.TemplateCache, f.logger)
	}
	return f.templateService
}

func (f *ServiceFactory) EmailService() *EmailService {
	if f.emailService == nil {
		f.emailService = NewEmailService(f.deps.Users, f.deps.Emails, f.deps.AccessToken, f.deps.Sender,
			f.deps.Storage, f.deps.Searcher, f.logger)
	}
	return f.emailService
}

func (f *ServiceFactory) QueueService() *QueueService {
	if f.queueService == nil {
		f.queueService = NewQueueService(f.deps.Users, f.deps.Emails, f.deps.Queue, f.deps.Dispatcher, f.logger)
	}
	return f.queueService
}
