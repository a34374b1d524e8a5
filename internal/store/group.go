package store

import "context"

// setInfo writes info:<key> (sample rate, units, etc. — spec §4.H
// downsample lookup reads this back via GetInfo).
func (b *base) setInfo(key string, data map[string]string) error {
	ctx, cancel := b.dial(context.Background())
	defer cancel()
	fields := make(map[string]interface{}, len(data))
	for k, v := range data {
		fields[k] = v
	}
	return wrapRedisErr(b.client.HSet(ctx, infoKey(key), fields).Err())
}

// getInfo reads one field from info:<id>, or the whole hash if name is "".
func (b *base) getInfo(id, name string) (map[string]string, error) {
	ctx, cancel := b.dial(context.Background())
	defer cancel()
	if name != "" {
		v, err := b.client.HGet(ctx, infoKey(id), name).Result()
		if err != nil {
			return nil, wrapRedisErr(err)
		}
		return map[string]string{name: v}, nil
	}
	m, err := b.client.HGetAll(ctx, infoKey(id)).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return m, nil
}

// group reads group:<name> (SUPPLEMENTED FEATURES §5: "Group
// enumeration"), a stream-name -> stream-id map used by an external
// consumer to list a device's streams.
func (b *base) group(name string) (map[string]string, error) {
	ctx, cancel := b.dial(context.Background())
	defer cancel()
	m, err := b.client.HGetAll(ctx, groupKey(name)).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return m, nil
}

// setGroup maps streamName -> streamID under group:<groupName>
// (database.py's set_group), called on SIGN_ON so a device's streams can
// later be enumerated by group name.
func (b *base) setGroup(groupName, streamName, streamID string) error {
	ctx, cancel := b.dial(context.Background())
	defer cancel()
	return wrapRedisErr(b.client.HSet(ctx, groupKey(groupName), streamName, streamID).Err())
}
