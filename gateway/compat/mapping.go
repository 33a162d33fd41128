package compat

// Mapping translates one legacy contract-style method to the current
// JSON-RPC surface. ParamKeys rewrites legacy snake_case argument names;
// keys absent from the map pass through unchanged.
type Mapping struct {
	Method    string
	ParamKeys map[string]string
	NoParams  bool
}

// DefaultMappings covers the original contract method names so callers
// migrated from the legacy deployment keep working against the node.
var DefaultMappings = map[string]Mapping{
	"mint_meme": {
		Method: "meme_mint",
		ParamKeys: map[string]string{
			"media_url":  "mediaUrl",
			"account_id": "caller",
		},
	},
	"like_meme": {
		Method: "meme_like",
		ParamKeys: map[string]string{
			"meme_id":    "id",
			"account_id": "caller",
		},
	},
	"unlike_meme": {
		Method: "meme_unlike",
		ParamKeys: map[string]string{
			"meme_id":    "id",
			"account_id": "caller",
		},
	},
	"comment_meme": {
		Method: "meme_comment",
		ParamKeys: map[string]string{
			"meme_id":    "id",
			"account_id": "caller",
		},
	},
	"get_meme": {
		Method: "meme_get",
	},
	"get_all_memes": {
		Method: "meme_list",
		ParamKeys: map[string]string{
			"from_index": "fromIndex",
		},
	},
	"get_user_memes": {
		Method: "meme_listByOwner",
		ParamKeys: map[string]string{
			"user_id": "owner",
		},
	},
	"get_memes_count": {
		Method:   "meme_count",
		NoParams: true,
	},
	"get_likes": {
		Method: "meme_getLikes",
		ParamKeys: map[string]string{
			"meme_id": "id",
		},
	},
	"get_comments": {
		Method: "meme_getComments",
		ParamKeys: map[string]string{
			"meme_id": "id",
		},
	},
}
