package codec

import "gopkg.in/mgo.v2/bson"

// BSON needs a document at the top level, so scalar payloads are
// wrapped in a single-field document before marshalling.
const bsonWrapField = "v"

func NewBsonCodec() Codec {
	return Codec{encode: BsonEncode, decode: BsonDecode, tag: "bson"}
}

func BsonEncode(value any) ([]byte, error) {
	return bson.Marshal(bson.M{bsonWrapField: value})
}

func BsonDecode(data []byte) (any, error) {
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc[bsonWrapField], nil
}
