package ai

import "github.com/suPer8Hu/medchat/internal/common"

var newToolCallID = common.NewToolCallID
