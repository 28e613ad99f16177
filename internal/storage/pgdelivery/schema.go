package pgdelivery

import (
	"context"

	"github.com/pkg/errors"
)

// The tables normally exist already (they are owned by the backend); bootstrap
// only makes a fresh database usable.
func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS entregadores (
  id TEXT PRIMARY KEY,
  nome TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_entregadores_nome ON entregadores(nome)`,
		`
CREATE TABLE IF NOT EXISTS entregas (
  id BIGSERIAL PRIMARY KEY,
  origem TEXT NOT NULL DEFAULT '',
  destino TEXT NOT NULL DEFAULT '',
  descricao_compra TEXT NOT NULL DEFAULT '',
  valor NUMERIC(12,2) NOT NULL DEFAULT 0,
  data_pedido TIMESTAMPTZ NOT NULL DEFAULT now(),
  previsao_entrega TIMESTAMPTZ NOT NULL,
  data_entrega TIMESTAMPTZ NULL,
  entregador_id TEXT NOT NULL,
  cliente_id TEXT NOT NULL DEFAULT '',
  codigo_rastreio TEXT NULL,
  situacao_pedido TEXT NOT NULL DEFAULT 'pedido_confirmado',
  tracking_ativo BOOLEAN NOT NULL DEFAULT false,
  tracking_iniciado_em TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_entregas_entregador_id ON entregas(entregador_id)`,
		`
CREATE TABLE IF NOT EXISTS entregas_rastreamento (
  id BIGSERIAL PRIMARY KEY,
  entrega_id BIGINT NOT NULL REFERENCES entregas(id) ON DELETE CASCADE,
  motorista_lat DOUBLE PRECISION NOT NULL,
  motorista_lng DOUBLE PRECISION NOT NULL,
  "timestamp" TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_entregas_rastreamento_entrega_ts ON entregas_rastreamento(entrega_id, "timestamp")`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
