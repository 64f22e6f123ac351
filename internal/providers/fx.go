package providers

import (
	"github.com/smallbiznis/clientdesk/internal/providers/email"
	"github.com/smallbiznis/clientdesk/internal/providers/pdf"
	"github.com/smallbiznis/clientdesk/internal/providers/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
	storage.Module,
)
