package relation

import sferrors "github.com/simflow/simflow/pkg/errors"

var (
	errRecordLayout = sferrors.New(sferrors.CodeSchema, "record does not match (id:int, sim_id:int, value:float)")
	errNullDraw     = sferrors.New(sferrors.CodeIntegrity, "null value in draw relation")
)
